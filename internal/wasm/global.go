package wasm

import (
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
)

// GlobalInstance is the value of a global variable in an instance. Val holds the bits of any value type, e.g. f64 as
// math.Float64bits.
type GlobalInstance struct {
	Type GlobalType
	Val  uint64
}

// String implements fmt.Stringer
func (g *GlobalInstance) String() string {
	v := api.ValueFromBits(g.Type.ValType, g.Val)
	if g.Type.Mutable {
		return fmt.Sprintf("global(mut %s)", v)
	}
	return fmt.Sprintf("global(%s)", v)
}

// evaluate returns the bits of a constant expression.
func (c *ConstantExpression) evaluate() uint64 {
	switch c.Opcode {
	case OpcodeI32Const:
		return uint64(uint32(c.Value))
	default:
		return c.Value
	}
}

// ValueType returns the type produced by the constant expression.
func (c *ConstantExpression) ValueType() ValueType {
	switch c.Opcode {
	case OpcodeI32Const:
		return ValueTypeI32
	case OpcodeI64Const:
		return ValueTypeI64
	case OpcodeF32Const:
		return ValueTypeF32
	default:
		return ValueTypeF64
	}
}
