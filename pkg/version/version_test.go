package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_DescribesRuntime(t *testing.T) {
	i := Get()

	assert.NotEmpty(t, i.Version)
	assert.Equal(t, runtime.Version(), i.GoVersion)
	assert.Equal(t, runtime.GOOS, i.OS)
	assert.Equal(t, runtime.GOARCH, i.Arch)
	assert.Equal(t, i.Version, Short())
}

func TestString_OneLine(t *testing.T) {
	s := String()

	assert.True(t, strings.HasPrefix(s, "annexwatch "+Short()+" (commit "))
	assert.NotContains(t, s, "\n")
}
