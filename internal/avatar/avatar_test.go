package avatar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCSSColor(t *testing.T) {
	assert.Equal(t, "#ff6b6b", CSSColor(int64(int32(-0x009495))))
	assert.Equal(t, "#4ecdc4", CSSColor(0xFF4ECDC4))
	assert.Equal(t, Fallback, CSSColor(0))
}

func TestInitials(t *testing.T) {
	assert.Equal(t, "AP", extractInitials("Anna Petrova"))
	assert.Equal(t, "AD", extractInitials("admin"))
	assert.Equal(t, "Я", extractInitials("я"))
	assert.Equal(t, "?", extractInitials("  "))
}

func TestInitialsSVG(t *testing.T) {
	svg := string(InitialsSVG("Anna Petrova", 0xFF118AB2))
	assert.Contains(t, svg, `fill="#118ab2"`)
	assert.Contains(t, svg, ">AP</text>")

	assert.Contains(t, string(InitialsSVG("<b", 0)), "&lt;B")
	assert.Len(t, Hash([]byte(svg)), 16)
}
