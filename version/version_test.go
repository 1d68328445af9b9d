package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"release", Info{Version: "v1.4.0", CommitHash: "0123456789abcdef"}, "v1.4.0"},
		{"dev with commit", Info{Version: "dev", CommitHash: "0123456789abcdef"}, "dev-0123456"},
		{"dev unstamped", Info{Version: "dev", CommitHash: "dev"}, "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Short())
		})
	}
}

func TestHostStripsPrefix(t *testing.T) {
	assert.Equal(t, "1.4.0", Info{Version: "v1.4.0"}.Host())
	assert.Equal(t, "dev", Info{Version: "dev"}.Host())
}

func TestUserAgent(t *testing.T) {
	info := Info{Version: "v1.4.0", Platform: "linux/amd64"}
	assert.Equal(t, "transmute/v1.4.0 (linux/amd64)", info.UserAgent())
}
