package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ctx       *Context
		version   string
		buildDate string
	}{
		{"populated", New("1.2.0", "2026-10-01T10:00:00Z"), "1.2.0", "2026-10-01T10:00:00Z"},
		{"empty", &Context{}, "unknown", "unknown"},
		{"nil", nil, "unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.version, tt.ctx.GetVersion())
			assert.Equal(t, tt.buildDate, tt.ctx.GetBuildDate())
			assert.Equal(t, "sentinel-console/"+tt.version, tt.ctx.UserAgent())
		})
	}
}

func TestContextImplementsBuildInfo(t *testing.T) {
	t.Parallel()

	var info BuildInfo = New("dev", "")
	assert.Equal(t, "dev", info.GetVersion())
	assert.Equal(t, "unknown", info.GetBuildDate())
}
