package types

// Model is a library entry: a model an owner has registered for hosting.
type Model struct {
	ModelID            string `json:"modelId"`
	UserID             string `json:"userId"`
	ModelName          string `json:"modelName"`
	HuggingFaceModelID string `json:"huggingFaceModelId"`
}

// GenerateParams are the parameters forwarded to the inference engine.
type GenerateParams struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	DoSample     bool    `json:"do_sample"`
}

// DefaultGenerateParams returns the generation defaults used when a
// request leaves a field unset.
func DefaultGenerateParams() GenerateParams {
	return GenerateParams{
		MaxNewTokens: 512,
		Temperature:  0.7,
		DoSample:     true,
	}
}
