package tapeplan

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
)

var (
	storeColor = color.New(color.FgCyan)
	gradColor  = color.New(color.FgYellow)
	setColor   = color.New(color.FgMagenta)
	callColor  = color.New(color.FgGreen)
)

// Dump renders the plan's field table to w, one line per field, colored
// by FieldKind when w is a terminal (fatih/color falls back to plain text
// otherwise, honoring NO_COLOR). This is a debugging aid, not used by the
// transform itself.
func (p *Plan) Dump(w io.Writer) {
	for i, f := range p.Fields {
		line := fmt.Sprintf("field %d: %s", i, fieldDetail(f))
		switch f.Kind {
		case FieldStore:
			storeColor.Fprintln(w, line)
		case FieldGrad:
			gradColor.Fprintln(w, line)
		case FieldSet:
			setColor.Fprintln(w, line)
		case FieldCall:
			callColor.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
}

func fieldDetail(f FieldSpec) string {
	switch f.Kind {
	case FieldStore:
		return "store " + f.Type.String()
	case FieldGrad:
		return "grad " + f.Type.String()
	case FieldSet:
		return "set " + f.Type.String()
	case FieldCall:
		return "call -> " + f.Callee
	default:
		return "field kind " + strconv.Itoa(int(f.Kind))
	}
}
