package utils

import "testing"

func TestGetEnvIntOrElse(t *testing.T) {
	tests := []struct {
		name  string
		value string
		set   bool
		want  int
	}{
		{name: "unset", want: 7},
		{name: "number", value: "1025", set: true, want: 1025},
		{name: "garbage", value: "vsock", set: true, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set {
				t.Setenv("STOCKADE_TEST_INT", tt.value)
			}
			if got := GetEnvIntOrElse("STOCKADE_TEST_INT", 7); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}
