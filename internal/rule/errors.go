package rule

import "fmt"

// CompilationError describes a raw rule that was dropped during compilation.
type CompilationError struct {
	Index  int
	Domain string
	Err    error
}

func (e *CompilationError) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("rule %d: domain %q: %v", e.Index, e.Domain, e.Err)
	}
	return fmt.Sprintf("rule %d: %v", e.Index, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}
