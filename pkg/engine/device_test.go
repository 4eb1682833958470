package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeProbe struct {
	cuda  bool
	metal bool
}

func (p fakeProbe) HasCUDA() bool  { return p.cuda }
func (p fakeProbe) HasMetal() bool { return p.metal }

func TestDetectDevicePriority(t *testing.T) {
	cases := []struct {
		name     string
		override Device
		probe    fakeProbe
		want     Device
	}{
		{"override wins over cuda", DeviceCPU, fakeProbe{cuda: true, metal: true}, DeviceCPU},
		{"cuda before metal", "", fakeProbe{cuda: true, metal: true}, DeviceCUDA},
		{"metal before cpu", "", fakeProbe{metal: true}, DeviceMetal},
		{"cpu fallback", "", fakeProbe{}, DeviceCPU},
		{"unknown override ignored", Device("tpu"), fakeProbe{metal: true}, DeviceMetal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectDevice(tc.override, tc.probe))
		})
	}
}

func TestSanitizeModelPath(t *testing.T) {
	assert.Equal(t, "org--demo-model", sanitizeModelPath("org/demo-model"))
	assert.Equal(t, "plain", sanitizeModelPath("plain"))
}
