package wasmaot

import (
	"github.com/sirupsen/logrus"

	"github.com/paraexec/wasmaot/internal/compiler"
)

// CompilerConfig controls Compile's behavior. The zero value returned by
// NewCompilerConfig runs silent and is safe to pass directly to Compile.
type CompilerConfig struct {
	logger *logrus.Logger
}

// defaultConfig helps avoid copy/pasting the wrong defaults into every With* method.
var defaultConfig = &CompilerConfig{}

// NewCompilerConfig returns a CompilerConfig with default settings.
func NewCompilerConfig() *CompilerConfig {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *CompilerConfig) clone() *CompilerConfig {
	return &CompilerConfig{logger: c.logger}
}

// WithLogger enables type-section and per-function trace logging to l. A nil
// logger (the default) disables tracing entirely.
func (c *CompilerConfig) WithLogger(l *logrus.Logger) *CompilerConfig {
	ret := c.clone()
	ret.logger = l
	return ret
}

func (c *CompilerConfig) toInternal() compiler.Config {
	if c == nil {
		return compiler.Config{}
	}
	return compiler.Config{Logger: c.logger}
}
