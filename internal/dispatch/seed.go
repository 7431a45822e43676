package dispatch

const (
	streamSerial     uint64 = 0x5e71a1
	streamGeneration uint64 = 0x6e7e7a
)

// SerialSeed is the simulator seed of a particle. It depends only on the run
// seed and the serial, so worker count, scheduling order and restarts do not
// change what the simulator sees.
func SerialSeed(base int64, serial int) uint64 {
	return mix(uint64(base), streamSerial, uint64(serial))
}

// GenerationSeed seeds the coordinator's proposal RNG for one generation.
func GenerationSeed(base int64, generation int) int64 {
	return int64(mix(uint64(base), streamGeneration, uint64(generation)) >> 1)
}

// mix is the splitmix64 finalizer over the combined inputs.
func mix(base, stream, n uint64) uint64 {
	z := base ^ (stream * 0xD1B54A32D192ED03) ^ ((n + 1) * 0x9E3779B97F4A7C15)
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
