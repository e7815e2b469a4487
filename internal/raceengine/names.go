package raceengine

import (
	"fmt"
	"math/rand"
	"strings"
)

// colorPalette is the fixed 8-entry palette colors are drawn from,
// round-robin by join order within a session.
var colorPalette = [8]string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7B731", "#A29BFE", "#FD79A8",
}

// spectatorColor is the fixed neutral color assigned to spectators.
const spectatorColor = "#AAAAAA"

// maxNameLength is the clamp applied to sanitized display names.
const maxNameLength = 15

// sanitizeName trims, clamps to 15 characters, and replaces an empty or
// whitespace-only name with a random fallback. rng is the Engine's seeded
// source so fallback names stay deterministic under an injected seed in tests.
func sanitizeName(raw string, rng *rand.Rand) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Sprintf("Player-%04d", rng.Intn(10000))
	}
	if runes := []rune(trimmed); len(runes) > maxNameLength {
		trimmed = string(runes[:maxNameLength])
	}
	return trimmed
}

// assignColor returns the next color in the palette for a session with
// seatIndex existing players, round-robin.
func assignColor(seatIndex int) string {
	return colorPalette[seatIndex%len(colorPalette)]
}
