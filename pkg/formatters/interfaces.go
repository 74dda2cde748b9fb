package formatters

import (
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Formatter renders a processed event as one newline-terminated line.
type Formatter interface {
	Format(ev types.Event) ([]byte, error)

	// Name returns the formatter name for identification
	Name() string
}
