package vm

import (
	"math"
	"math/bits"
)

// ---------------------------------------------------------------------------
// Math and vector natives
// ---------------------------------------------------------------------------

// floatFn wraps a float function of one argument.
func floatFn(fn func(float64) float64) NativeFunc {
	return func(c *NativeCall) (Value, error) {
		f, err := c.Float(0)
		if err != nil {
			return Nil, err
		}
		return Float(fn(f)), nil
	}
}

// roundFn keeps ints as they are and rounds floats with fn.
func roundFn(fn func(float64) float64) NativeFunc {
	return func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		switch v.t {
		case TypeInt:
			return v, nil
		case TypeFloat:
			return Float(fn(v.AsFloat())), nil
		}
		return Nil, c.Heap.typeError("expected a number", v)
	}
}

// vec3 is the xyz part of a vector value, in float64.
type vec3 [3]float64

func (c *NativeCall) vecArg(i int) (vec3, error) {
	v := c.Arg(i)
	if v.t != TypeVec {
		return vec3{}, c.Heap.typeError("expected a vector", v)
	}
	a := v.AsVec()
	return vec3{float64(a[0]), float64(a[1]), float64(a[2])}, nil
}

func (a vec3) value() Value {
	return Vec(float32(a[0]), float32(a[1]), float32(a[2]), 0)
}

func (a vec3) dot(b vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func (a vec3) scale(s float64) vec3 {
	return vec3{a[0] * s, a[1] * s, a[2] * s}
}

func (a vec3) add(b vec3) vec3 {
	return vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func (a vec3) cross(b vec3) vec3 {
	return vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a vec3) magnitude() float64 {
	return math.Sqrt(a.dot(a))
}

func (a vec3) normalize() vec3 {
	if m := a.magnitude(); m > 0 {
		return a.scale(1 / m)
	}
	return a
}

// vecFloat wraps a function from one vector to a float.
func vecFloat(fn func(vec3) float64) NativeFunc {
	return func(c *NativeCall) (Value, error) {
		a, err := c.vecArg(0)
		if err != nil {
			return Nil, err
		}
		return Float(fn(a)), nil
	}
}

// vecVec wraps a function from one vector to a vector.
func vecVec(fn func(vec3) vec3) NativeFunc {
	return func(c *NativeCall) (Value, error) {
		a, err := c.vecArg(0)
		if err != nil {
			return Nil, err
		}
		return fn(a).value(), nil
	}
}

func (h *Heap) registerMathNatives(d *nativeDefs) {
	d.add("pow", "[a b]", "Return a raised to the power of b", func(c *NativeCall) (Value, error) {
		a, err := c.Float(0)
		if err != nil {
			return Nil, err
		}
		b, err := c.Float(1)
		if err != nil {
			return Nil, err
		}
		return Float(math.Pow(a, b)), nil
	})
	d.add("sqrt", "[a]", "Square root of a", floatFn(math.Sqrt))
	d.add("cbrt", "[a]", "Cube root of a", floatFn(math.Cbrt))
	d.add("sin", "[a]", "Sine of a, in radians", floatFn(math.Sin))
	d.add("cos", "[a]", "Cosine of a, in radians", floatFn(math.Cos))
	d.add("tan", "[a]", "Tangent of a, in radians", floatFn(math.Tan))
	d.add("floor", "[a]", "Round a down", roundFn(math.Floor))
	d.add("ceil", "[a]", "Round a up", roundFn(math.Ceil))
	d.add("round", "[a]", "Round a to the nearest integer, halves away from zero", roundFn(math.Round))

	d.add("atan2", "[y x]", "Angle of the point (x, y) from the x axis, in radians", func(c *NativeCall) (Value, error) {
		y, err := c.Float(0)
		if err != nil {
			return Nil, err
		}
		x, err := c.Float(1)
		if err != nil {
			return Nil, err
		}
		return Float(math.Atan2(y, x)), nil
	})

	d.add("popcount", "[a]", "Number of bits set in the int a", func(c *NativeCall) (Value, error) {
		n, err := c.Int(0)
		if err != nil {
			return Nil, err
		}
		return Int(int64(bits.OnesCount64(uint64(n)))), nil
	})

	for i, name := range []string{"vec/x", "vec/y", "vec/z", "vec/w"} {
		i := i
		d.add(name, "[v]", "Component "+name[4:]+" of the vector v", func(c *NativeCall) (Value, error) {
			v, err := c.Typed(0, TypeVec)
			if err != nil {
				return Nil, err
			}
			return Float(float64(v.AsVec()[i])), nil
		})
	}

	d.add("vec/magnitude vec/length", "[v]", "Length of the vector v", vecFloat(vec3.magnitude))
	d.add("vec/sum", "[v]", "Sum of the components of v", vecFloat(func(a vec3) float64 {
		return a[0] + a[1] + a[2]
	}))
	d.add("vec/sum/abs", "[v]", "Sum of the absolute components of v", vecFloat(func(a vec3) float64 {
		return math.Abs(a[0]) + math.Abs(a[1]) + math.Abs(a[2])
	}))
	d.add("vec/normalize", "[v]", "v scaled to length 1; the zero vector stays as it is", vecVec(vec3.normalize))

	d.add("vec/dot", "[a b]", "Dot product of a and b", func(c *NativeCall) (Value, error) {
		a, err := c.vecArg(0)
		if err != nil {
			return Nil, err
		}
		b, err := c.vecArg(1)
		if err != nil {
			return Nil, err
		}
		return Float(a.dot(b)), nil
	})

	d.add("vec/cross", "[a b]", "Cross product of a and b", func(c *NativeCall) (Value, error) {
		a, err := c.vecArg(0)
		if err != nil {
			return Nil, err
		}
		b, err := c.vecArg(1)
		if err != nil {
			return Nil, err
		}
		return a.cross(b).value(), nil
	})

	d.add("vec/reflect", "[i n]", "Reflect the incident vector i on a surface with normal n", func(c *NativeCall) (Value, error) {
		i, err := c.vecArg(0)
		if err != nil {
			return Nil, err
		}
		n, err := c.vecArg(1)
		if err != nil {
			return Nil, err
		}
		n = n.normalize()
		return i.add(n.scale(-2 * n.dot(i))).value(), nil
	})

	d.add("vec/rotate", "[a axis rad]", "Rotate a around axis by rad radians", func(c *NativeCall) (Value, error) {
		a, err := c.vecArg(0)
		if err != nil {
			return Nil, err
		}
		k, err := c.vecArg(1)
		if err != nil {
			return Nil, err
		}
		rad, err := c.Float(2)
		if err != nil {
			return Nil, err
		}
		k = k.normalize()
		cos, sin := math.Cos(rad), math.Sin(rad)
		r := a.scale(cos).add(k.cross(a).scale(sin)).add(k.scale(k.dot(a) * (1 - cos)))
		return r.value(), nil
	})

	d.add("vec/vel->rot", "[v]", "Yaw and pitch in degrees of the direction v", vecVec(func(a vec3) vec3 {
		return vec3{
			math.Atan2(a[2], a[0])*180/math.Pi + 90,
			math.Atan2(-a[1], math.Hypot(a[0], a[2])) * 180 / math.Pi,
			0,
		}
	}))

	d.add("vec/rot->vel", "[r]", "Unit direction for a yaw and pitch in degrees", vecVec(func(a vec3) vec3 {
		yaw := (a[0] - 90) * math.Pi / 180
		pitch := -a[1] * math.Pi / 180
		return vec3{
			math.Cos(yaw) * math.Cos(pitch),
			math.Sin(pitch),
			math.Sin(yaw) * math.Cos(pitch),
		}
	}))
}
