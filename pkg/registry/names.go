package registry

import (
	"math/rand"
	"strconv"
)

// Nature-themed word lists for generated node names.
var natureAdjectives = []string{
	"mountain", "forest", "ocean", "river", "meadow", "valley",
	"canyon", "glacier", "coral", "desert", "prairie", "tundra",
	"alpine", "coastal", "highland", "woodland", "wetland", "volcanic",
}

var natureNouns = []string{
	"stream", "breeze", "tide", "mist", "bloom", "shadow",
	"light", "dawn", "dusk", "storm", "rain", "snow",
	"wind", "wave", "cloud", "thunder", "frost", "ember",
}

// GenerateNodeName returns a random adjective-noun node name.
func GenerateNodeName() string {
	adjective := natureAdjectives[rand.Intn(len(natureAdjectives))]
	noun := natureNouns[rand.Intn(len(natureNouns))]
	return adjective + "-" + noun
}

// dedupeNodeName suffixes name with -2, -3, ... until it collides with
// none of the taken names.
func dedupeNodeName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for counter := 2; ; counter++ {
		candidate := name + "-" + strconv.Itoa(counter)
		if !taken[candidate] {
			return candidate
		}
	}
}
