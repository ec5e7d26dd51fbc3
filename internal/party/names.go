package party

import (
	"math/rand"
	"strconv"
)

// Word lists for generated viewer names like "BraveWolf42". Collisions are
// acceptable; names are display-only.
var (
	nameAdjectives = []string{
		"Happy", "Sleepy", "Brave", "Clever", "Swift", "Mighty", "Gentle", "Wise",
		"Lucky", "Bold", "Silent", "Wild", "Calm", "Fierce", "Noble", "Quick",
		"Bright", "Dark", "Golden", "Silver", "Ancient", "Mystic", "Cosmic", "Thunder",
		"Storm", "Frost", "Shadow", "Crimson", "Azure", "Electric", "Stellar", "Lunar",
	}
	nameNouns = []string{
		"Panda", "Tiger", "Eagle", "Dolphin", "Fox", "Wolf", "Bear", "Hawk",
		"Lion", "Owl", "Dragon", "Phoenix", "Falcon", "Raven", "Panther", "Lynx",
		"Shark", "Whale", "Kraken", "Viper", "Griffin", "Pegasus", "Titan", "Golem",
		"Knight", "Ranger", "Wizard", "Sage", "Guardian", "Sentinel", "Ghost", "Specter",
	}
)

// RandomName generates a display name for viewers who join without one,
// following the adjective+noun+number pattern.
func RandomName() string {
	adj := nameAdjectives[rand.Intn(len(nameAdjectives))]
	noun := nameNouns[rand.Intn(len(nameNouns))]
	return adj + noun + strconv.Itoa(1+rand.Intn(99))
}
