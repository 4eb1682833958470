package json

import "github.com/bytedance/sonic"

type sonicCodec struct {
	api sonic.API
}

func newSonicCodec(cfg Config) (*sonicCodec, error) {
	api := sonic.Config{
		EscapeHTML: cfg.EscapeHTML,
	}.Froze()
	return &sonicCodec{api: api}, nil
}

func (c *sonicCodec) Marshal(v interface{}) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c *sonicCodec) Unmarshal(data []byte, v interface{}) error {
	return c.api.Unmarshal(data, v)
}
