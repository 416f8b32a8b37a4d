// Package ops exposes the tensor operations as plain functions over the
// engine's kernel dispatch, and registers their gradient configurations.
//
// Ops take a kernels.Dispatcher (implemented by *engine.Engine) so gradient
// closures, which receive a Dispatcher, can compose them too.
package ops

import (
	"strconv"

	"github.com/gotensor/gotensor/kernels"
	"github.com/gotensor/gotensor/types/shapes"
	"github.com/gotensor/gotensor/types/tensors"
)

func run1(e kernels.Dispatcher, kernel string, inputs kernels.NamedTensors, attrs kernels.Attributes) *tensors.Tensor {
	return e.RunKernel(kernel, inputs, attrs)[0]
}

func unary(e kernels.Dispatcher, kernel string, x *tensors.Tensor) *tensors.Tensor {
	return run1(e, kernel, kernels.NamedTensors{"x": x}, nil)
}

func binary(e kernels.Dispatcher, kernel string, a, b *tensors.Tensor) *tensors.Tensor {
	return run1(e, kernel, kernels.NamedTensors{"a": a, "b": b}, nil)
}

// Identity returns a tensor sharing x's buffer.
func Identity(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor { return unary(e, "Identity", x) }

// Add returns a+b element-wise. Shapes must match.
func Add(e kernels.Dispatcher, a, b *tensors.Tensor) *tensors.Tensor { return binary(e, "Add", a, b) }

// Sub returns a-b element-wise. Shapes must match.
func Sub(e kernels.Dispatcher, a, b *tensors.Tensor) *tensors.Tensor { return binary(e, "Sub", a, b) }

// Mul returns a*b element-wise. Shapes must match.
func Mul(e kernels.Dispatcher, a, b *tensors.Tensor) *tensors.Tensor {
	return binary(e, "Multiply", a, b)
}

// Div returns a/b element-wise. Shapes must match.
func Div(e kernels.Dispatcher, a, b *tensors.Tensor) *tensors.Tensor { return binary(e, "Div", a, b) }

// AddN sums any number of equally shaped tensors.
func AddN(e kernels.Dispatcher, xs ...*tensors.Tensor) *tensors.Tensor {
	inputs := make(kernels.NamedTensors, len(xs))
	for i, x := range xs {
		inputs[strconv.Itoa(i)] = x
	}
	return run1(e, "AddN", inputs, nil)
}

// Neg returns -x element-wise.
func Neg(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor { return unary(e, "Neg", x) }

// Square returns x*x element-wise.
func Square(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor { return unary(e, "Square", x) }

// Sqrt returns the element-wise square root of x.
func Sqrt(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor { return unary(e, "Sqrt", x) }

// Reshape returns a tensor sharing x's buffer with the given dimensions. The
// element count must be preserved.
func Reshape(e kernels.Dispatcher, x *tensors.Tensor, dimensions ...int) *tensors.Tensor {
	return run1(e, "Reshape", kernels.NamedTensors{"x": x}, kernels.Attributes{"dims": dimensions})
}

// Cast converts x to the given dtype.
func Cast(e kernels.Dispatcher, x *tensors.Tensor, dtype shapes.DType) *tensors.Tensor {
	return run1(e, "Cast", kernels.NamedTensors{"x": x}, kernels.Attributes{"dtype": dtype})
}

// Fill creates a tensor of the given dtype and dimensions, filled with value.
func Fill(e kernels.Dispatcher, dtype shapes.DType, value float64, dimensions ...int) *tensors.Tensor {
	return run1(e, "Fill", nil, kernels.Attributes{"dtype": dtype, "dims": dimensions, "value": value})
}

// OnesLike returns a tensor of ones with x's shape and dtype.
func OnesLike(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor { return unary(e, "OnesLike", x) }

// ZerosLike returns a tensor of zeros with x's shape and dtype.
func ZerosLike(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor {
	return unary(e, "ZerosLike", x)
}

// Complex builds a complex tensor from equally shaped float real and imaginary
// parts.
func Complex(e kernels.Dispatcher, re, im *tensors.Tensor) *tensors.Tensor {
	return run1(e, "Complex", kernels.NamedTensors{"real": re, "imag": im}, nil)
}

// Real returns the real component of a complex tensor.
func Real(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor { return unary(e, "Real", x) }

// Imag returns the imaginary component of a complex tensor.
func Imag(e kernels.Dispatcher, x *tensors.Tensor) *tensors.Tensor { return unary(e, "Imag", x) }
