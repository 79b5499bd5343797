//go:build !race

package recycle

const RaceEnabled = false
