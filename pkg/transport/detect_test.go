package transport

import (
	"reflect"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		env  Environment
		want []Kind
	}{
		{
			name: "no capture means unsupported",
			env:  Environment{CaptureSupported: false, DirectSupported: true},
			want: nil,
		},
		{
			name: "deep talk prefers alternate with relay fallback",
			env:  Environment{CaptureSupported: true, DirectSupported: true, Mode: ModeDeepTalk},
			want: []Kind{KindAlternate, KindRelayed},
		},
		{
			name: "embedded webview is relay only",
			env:  Environment{CaptureSupported: true, DirectSupported: true, RelayOnly: true},
			want: []Kind{KindRelayed},
		},
		{
			name: "direct capable gets direct then relay",
			env:  Environment{CaptureSupported: true, DirectSupported: true},
			want: []Kind{KindDirect, KindRelayed},
		},
		{
			name: "no direct support falls to relay",
			env:  Environment{CaptureSupported: true, DirectSupported: false},
			want: []Kind{KindRelayed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.env)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Detect(%+v) = %v, want %v", tt.env, got, tt.want)
			}
		})
	}
}

func TestDetectIsPure(t *testing.T) {
	env := Environment{CaptureSupported: true, DirectSupported: true}
	first := Detect(env)
	second := Detect(env)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Detect is not deterministic: %v vs %v", first, second)
	}
}

func TestSupported(t *testing.T) {
	if Supported(Environment{}) {
		t.Error("environment without capture must be unsupported")
	}
	if !Supported(Environment{CaptureSupported: true}) {
		t.Error("capture-capable environment must be supported")
	}
}
