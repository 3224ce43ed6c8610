package common

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"direct", ErrPermissionDenied, ErrPermissionDenied},
		{"fmt wrapped", fmt.Errorf("open tun: %w", ErrEstablishFailed), ErrEstablishFailed},
		{"WrapError", WrapError(ErrEngineStartFailed, "start"), ErrEngineStartFailed},
		{"context", context.Canceled, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	if got := GetRuntimeDir(); got != filepath.Join("/run/user/1000", ConfigDirName) {
		t.Errorf("GetRuntimeDir() = %v", got)
	}
	if got := DefaultSocketPath(); !strings.HasSuffix(got, SocketFileName) {
		t.Errorf("DefaultSocketPath() = %v, should end with %v", got, SocketFileName)
	}
}
