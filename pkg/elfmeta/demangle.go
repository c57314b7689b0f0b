package elfmeta

import (
	"github.com/ianlancetaylor/demangle"
)

// demangleName demangles an Itanium C++ or Rust (legacy or v0) mangled name,
// in name-only mode so the rendered frame carries a function name rather
// than a full parameter-list signature (spec §4.3: "Names are
// C++-demangled where applicable"). Names that don't look mangled, or
// that demangle rejects, pass through unchanged.
func demangleName(name string) string {
	out, err := demangle.ToString(name, demangle.NoParams, demangle.NoTemplateParams)
	if err != nil {
		return name
	}
	return out
}
