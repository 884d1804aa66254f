// internal/accessibility/identity.go
package accessibility

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/remotesuite/internal/framework"
)

// ErrUnknownIdentity is returned when a hook payload matches neither the
// test shape nor the scenario shape.
var ErrUnknownIdentity = errors.New("cannot derive a test identifier from hook payload")

// IdentifierFor derives the stable identifier of a test or scenario. The
// same function serves both the start and the end of a test so lookups are
// symmetric.
func IdentifierFor(fw framework.Framework, subject any) (string, error) {
	switch s := subject.(type) {
	case framework.Test:
		return testIdentifier(fw, s)
	case *framework.Test:
		if s != nil {
			return testIdentifier(fw, *s)
		}
	case framework.World:
		return scenarioIdentifier(s.Pickle)
	case *framework.World:
		if s != nil {
			return scenarioIdentifier(s.Pickle)
		}
	}
	return "", fmt.Errorf("%w: %T", ErrUnknownIdentity, subject)
}

func testIdentifier(fw framework.Framework, t framework.Test) (string, error) {
	if fw == framework.Jasmine && t.FullName != "" {
		return t.File + "::" + t.FullName, nil
	}
	if t.Title == "" {
		return "", fmt.Errorf("%w: test has no title", ErrUnknownIdentity)
	}
	return t.File + "::" + t.Parent + "::" + t.Title, nil
}

// scenarioIdentifier fingerprints a pickle by its feature file and the AST
// nodes it was compiled from.
func scenarioIdentifier(p framework.Pickle) (string, error) {
	if p.URI == "" && len(p.AstNodeIDs) == 0 {
		return "", fmt.Errorf("%w: scenario has no uri or ast node ids", ErrUnknownIdentity)
	}
	return p.URI + "_" + strings.Join(p.AstNodeIDs, ","), nil
}
