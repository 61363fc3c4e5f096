// Package geom holds the rigid-body math shared by propagation and deskewing:
// quaternion rotation, the exponential map, slerp, and 4x4 row-major
// transforms. Vectors are gonum r3.Vec and orientations are unit quat.Number
// values with Real as the scalar part.
package geom
