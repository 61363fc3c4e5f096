// Package imu turns a run of inertial samples into a short trajectory: it
// extracts the window covering a sweep, integrates it from an anchor pose, and
// answers "where was the body at time t" for any t inside the window.
package imu
