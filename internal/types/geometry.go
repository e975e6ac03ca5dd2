package types

import "math"

// Point is a location in view coordinates (pixels, origin top-left).
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Dist returns the euclidean distance between two view points.
func (p Point) Dist(q Point) float32 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return float32(math.Sqrt(float64(dx*dx + dy*dy)))
}

// Vec3 is a position or direction in world space (meters).
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v * s.
func (v Vec3) Scale(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the dot product of v and o.
func (v Vec3) Dot(o Vec3) float32 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Len returns the length of v.
func (v Vec3) Len() float32 { return float32(math.Sqrt(float64(v.Dot(v)))) }

// Mat4 is a 4x4 transform stored column-major: m[c][r] is column c, row r.
// The translation lives in column 3, matching the tracking session layout.
type Mat4 [4][4]float32

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation returns a pure translation transform.
func Translation(x, y, z float32) Mat4 {
	m := Identity()
	m[3][0] = x
	m[3][1] = y
	m[3][2] = z
	return m
}

// RotationY returns a rotation of angle radians around the world Y axis.
func RotationY(angle float64) Mat4 {
	s := float32(math.Sin(angle))
	c := float32(math.Cos(angle))
	m := Identity()
	m[0][0] = c
	m[0][2] = -s
	m[2][0] = s
	m[2][2] = c
	return m
}

// RotationX returns a rotation of angle radians around the X axis.
// Negative angles pitch the -Z axis downwards.
func RotationX(angle float64) Mat4 {
	s := float32(math.Sin(angle))
	c := float32(math.Cos(angle))
	m := Identity()
	m[1][1] = c
	m[1][2] = s
	m[2][1] = -s
	m[2][2] = c
	return m
}

// Mul returns m * o (o is applied first).
func (m Mat4) Mul(o Mat4) Mat4 {
	var out Mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += m[k][r] * o[c][k]
			}
			out[c][r] = sum
		}
	}
	return out
}

// Position returns the translation component.
func (m Mat4) Position() Vec3 {
	return Vec3{m[3][0], m[3][1], m[3][2]}
}

// Forward returns the -Z axis of the transform, the direction a camera looks.
func (m Mat4) Forward() Vec3 {
	return Vec3{-m[2][0], -m[2][1], -m[2][2]}
}

// TransformPoint applies m to a world point (w = 1).
func (m Mat4) TransformPoint(p Vec3) Vec3 {
	return Vec3{
		m[0][0]*p.X + m[1][0]*p.Y + m[2][0]*p.Z + m[3][0],
		m[0][1]*p.X + m[1][1]*p.Y + m[2][1]*p.Z + m[3][1],
		m[0][2]*p.X + m[1][2]*p.Y + m[2][2]*p.Z + m[3][2],
	}
}

// InverseRigid inverts a rotation+translation transform.
// The result is undefined for transforms carrying scale or shear.
func (m Mat4) InverseRigid() Mat4 {
	inv := Identity()
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			inv[c][r] = m[r][c]
		}
	}
	t := m.Position()
	for r := 0; r < 3; r++ {
		inv[3][r] = -(inv[0][r]*t.X + inv[1][r]*t.Y + inv[2][r]*t.Z)
	}
	return inv
}

// ApproxEqual reports whether every element of m and o differs by at most eps.
func (m Mat4) ApproxEqual(o Mat4, eps float32) bool {
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			d := m[c][r] - o[c][r]
			if d > eps || d < -eps {
				return false
			}
		}
	}
	return true
}
