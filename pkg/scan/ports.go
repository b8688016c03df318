package scan

import "math/rand"

// BaseTCPPorts are probed at every intensity.
var BaseTCPPorts = []int{21, 22, 23, 25, 53, 80, 110, 135, 139, 143, 443, 445, 993, 995, 1433, 3306, 3389, 5900, 8080}

// ExtendedTCPPorts are added above intensity 3.
var ExtendedTCPPorts = []int{161, 389, 636, 5985, 5986, 8000, 8443, 9000, 10000}

// DefaultTCPPorts returns a fresh port list for the given intensity (1-5).
func DefaultTCPPorts(intensity int) []int {
	ports := append([]int(nil), BaseTCPPorts...)
	if intensity > 3 {
		ports = append(ports, ExtendedTCPPorts...)
	}
	return ports
}

// BaseUDPPorts are probed at every intensity.
var BaseUDPPorts = []int{53, 67, 68, 69, 123, 137, 138, 161, 500, 4500}

// ExtendedUDPPorts are added above intensity 3.
var ExtendedUDPPorts = []int{1194, 1900, 5353, 27015, 47808}

// DefaultUDPPorts returns a fresh UDP port list for the given intensity.
func DefaultUDPPorts(intensity int) []int {
	ports := append([]int(nil), BaseUDPPorts...)
	if intensity > 3 {
		ports = append(ports, ExtendedUDPPorts...)
	}
	return ports
}

// Shuffle returns a shuffled copy of ports.
func Shuffle(rng *rand.Rand, ports []int) []int {
	out := append([]int(nil), ports...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
