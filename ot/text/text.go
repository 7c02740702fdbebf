// Package text implements the plain-text document type. A snapshot is a JSON
// string and an op is a list of components, each inserting ({"p":n,"i":s})
// or deleting ({"p":n,"d":s}) text at a position counted in code points.
package text

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ggoodman/sharedoc/ot"
)

// Name is the registered type name.
const Name = "text"

var (
	ErrInvalidComponent = errors.New("text: invalid op component")
	ErrDeleteMismatch   = errors.New("text: delete component does not match document")
	ErrDeleteConflict   = errors.New("text: delete ops delete different text in the same region of the document")
	ErrOutOfBounds      = errors.New("text: position beyond end of document")
)

// Component is a single insert or delete.
type Component struct {
	P int    `json:"p"`
	I string `json:"i,omitempty"`
	D string `json:"d,omitempty"`
}

func (c Component) isInsert() bool { return c.I != "" }

func (c Component) empty() bool { return c.I == "" && c.D == "" }

// Op is an ordered list of components.
type Op []Component

// Type is the text document type.
type Type struct{}

var _ ot.Type = Type{}

// New returns the text type.
func New() Type { return Type{} }

func (Type) Name() string { return Name }

func (Type) Create() json.RawMessage { return json.RawMessage(`""`) }

func (Type) Apply(snapshot, rawOp json.RawMessage) (json.RawMessage, error) {
	var doc string
	if err := json.Unmarshal(snapshot, &doc); err != nil {
		return nil, fmt.Errorf("text: snapshot must be a string: %w", err)
	}
	op, err := Parse(rawOp)
	if err != nil {
		return nil, err
	}
	doc, err = Apply(doc, op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (Type) Transform(rawOp, rawOther json.RawMessage, side ot.Side) (json.RawMessage, error) {
	op, err := Parse(rawOp)
	if err != nil {
		return nil, err
	}
	other, err := Parse(rawOther)
	if err != nil {
		return nil, err
	}
	out, err := Transform(op, other, side)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = Op{}
	}
	return json.Marshal(out)
}

// Parse decodes and checks an op. Components with no text are dropped.
func Parse(raw json.RawMessage) (Op, error) {
	var wire []struct {
		P *int    `json:"p"`
		I *string `json:"i"`
		D *string `json:"d"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidComponent, err)
	}
	op := make(Op, 0, len(wire))
	for i, w := range wire {
		if w.P == nil || *w.P < 0 {
			return nil, fmt.Errorf("%w: component %d has an invalid position", ErrInvalidComponent, i)
		}
		if (w.I == nil) == (w.D == nil) {
			return nil, fmt.Errorf("%w: component %d must have exactly one of i or d", ErrInvalidComponent, i)
		}
		c := Component{P: *w.P}
		if w.I != nil {
			c.I = *w.I
		} else {
			c.D = *w.D
		}
		if !c.empty() {
			op = append(op, c)
		}
	}
	return op, nil
}

// Apply applies op to doc.
func Apply(doc string, op Op) (string, error) {
	for _, c := range op {
		n := utf8.RuneCountInString(doc)
		if c.isInsert() {
			if c.P > n {
				return "", fmt.Errorf("%w: insert at %d, length %d", ErrOutOfBounds, c.P, n)
			}
			doc = inject(doc, c.P, c.I)
			continue
		}
		end := c.P + utf8.RuneCountInString(c.D)
		if end > n {
			return "", fmt.Errorf("%w: delete to %d, length %d", ErrOutOfBounds, end, n)
		}
		if deleted := slice(doc, c.P, end); deleted != c.D {
			return "", fmt.Errorf("%w: %q != %q", ErrDeleteMismatch, c.D, deleted)
		}
		doc = slice(doc, 0, c.P) + slice(doc, end, -1)
	}
	return doc, nil
}

// Transform rewrites op to apply after other.
func Transform(op, other Op, side ot.Side) (Op, error) {
	if len(other) == 0 {
		return op, nil
	}
	if len(op) == 1 && len(other) == 1 {
		return transformComponent(nil, op[0], other[0], side)
	}
	if side == ot.Left {
		left, _, err := transformX(op, other)
		return left, err
	}
	_, right, err := transformX(other, op)
	return right, err
}

// appendComponent adds c to op, merging it into the last component when the
// two are adjacent edits of the same kind.
func appendComponent(op Op, c Component) Op {
	if c.empty() {
		return op
	}
	if len(op) == 0 {
		return append(op, c)
	}
	last := op[len(op)-1]
	switch {
	case last.isInsert() && c.isInsert() && last.P <= c.P && c.P <= last.P+length(last.I):
		op[len(op)-1] = Component{P: last.P, I: inject(last.I, c.P-last.P, c.I)}
	case !last.isInsert() && !c.isInsert() && c.P <= last.P && last.P <= c.P+length(c.D):
		op[len(op)-1] = Component{P: c.P, D: inject(c.D, last.P-c.P, last.D)}
	default:
		op = append(op, c)
	}
	return op
}

func transformPosition(pos int, c Component, insertAfter bool) int {
	if c.isInsert() {
		if c.P < pos || (c.P == pos && insertAfter) {
			return pos + length(c.I)
		}
		return pos
	}
	switch {
	case pos <= c.P:
		return pos
	case pos <= c.P+length(c.D):
		return c.P
	default:
		return pos - length(c.D)
	}
}

func transformComponent(dest Op, c, other Component, side ot.Side) (Op, error) {
	if c.isInsert() {
		return appendComponent(dest, Component{P: transformPosition(c.P, other, side == ot.Right), I: c.I}), nil
	}

	if other.isInsert() {
		s := c.D
		if c.P < other.P {
			dest = appendComponent(dest, Component{P: c.P, D: slice(s, 0, other.P-c.P)})
			s = slice(s, other.P-c.P, -1)
		}
		if s != "" {
			dest = appendComponent(dest, Component{P: c.P + length(other.I), D: s})
		}
		return dest, nil
	}

	cEnd := c.P + length(c.D)
	otherEnd := other.P + length(other.D)
	switch {
	case c.P >= otherEnd:
		return appendComponent(dest, Component{P: c.P - length(other.D), D: c.D}), nil
	case cEnd <= other.P:
		return appendComponent(dest, c), nil
	}

	newC := Component{P: c.P}
	if c.P < other.P {
		newC.D = slice(c.D, 0, other.P-c.P)
	}
	if cEnd > otherEnd {
		newC.D += slice(c.D, otherEnd-c.P, -1)
	}

	start := max(c.P, other.P)
	end := min(cEnd, otherEnd)
	if slice(c.D, start-c.P, end-c.P) != slice(other.D, start-other.P, end-other.P) {
		return nil, ErrDeleteConflict
	}

	if newC.D != "" {
		newC.P = transformPosition(newC.P, other, false)
		dest = appendComponent(dest, newC)
	}
	return dest, nil
}

// transformX transforms leftOp and rightOp against each other, returning
// leftOp' and rightOp' such that left+right' == right+left'.
func transformX(leftOp, rightOp Op) (Op, Op, error) {
	var newRightOp Op
	for _, rightComponent := range rightOp {
		keep := true
		var newLeftOp Op
		for k := 0; k < len(leftOp); {
			var nextC Op
			var err error
			if newLeftOp, err = transformComponent(newLeftOp, leftOp[k], rightComponent, ot.Left); err != nil {
				return nil, nil, err
			}
			if nextC, err = transformComponent(nextC, rightComponent, leftOp[k], ot.Right); err != nil {
				return nil, nil, err
			}
			k++

			if len(nextC) == 1 {
				rightComponent = nextC[0]
				continue
			}
			if len(nextC) == 0 {
				for _, l := range leftOp[k:] {
					newLeftOp = appendComponent(newLeftOp, l)
				}
				keep = false
				break
			}
			l, r, err := transformX(leftOp[k:], nextC)
			if err != nil {
				return nil, nil, err
			}
			for _, c := range l {
				newLeftOp = appendComponent(newLeftOp, c)
			}
			for _, c := range r {
				newRightOp = appendComponent(newRightOp, c)
			}
			keep = false
			break
		}
		if keep {
			newRightOp = appendComponent(newRightOp, rightComponent)
		}
		leftOp = newLeftOp
	}
	return leftOp, newRightOp, nil
}

func length(s string) int { return utf8.RuneCountInString(s) }

// slice returns the code points of s in [from, to). A negative to means the
// end of s.
func slice(s string, from, to int) string {
	r := []rune(s)
	if to < 0 || to > len(r) {
		to = len(r)
	}
	if from > to {
		return ""
	}
	return string(r[from:to])
}

func inject(s string, pos int, ins string) string {
	r := []rune(s)
	return string(r[:pos]) + ins + string(r[pos:])
}
