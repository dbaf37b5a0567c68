package nimbus

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// processUptimeSeconds reads /proc/uptime the same way corral's warm-start
// fingerprint did, but returns the parsed seconds rather than a base64
// token: a worker stamps this into its handshake's Time field, and the
// controller can tell a genuine restart (the value drops between two
// handshakes from the same worker id) from an ordinary reconnect.
func processUptimeSeconds() float64 {
	file, err := os.Open("/proc/uptime")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0
	}
	parts := strings.Split(scanner.Text(), " ")
	seconds, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	return seconds
}
