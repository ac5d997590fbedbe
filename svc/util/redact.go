package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"runtime"
)

var secretPattern = regexp.MustCompile(`(?i)\b(password|secret|key|pepper|p)=([^\s&]+)`)

// RedactIP zeroes the host part of an address so logs keep the network only.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

// RedactQuery masks credential-looking values in a raw query or log line.
func RedactQuery(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
