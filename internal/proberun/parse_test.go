package proberun

import "testing"

const linuxPingOutput = `PING 192.0.2.10 (192.0.2.10) 56(84) bytes of data.
64 bytes from 192.0.2.10: icmp_seq=1 ttl=57 time=11.2 ms
64 bytes from 192.0.2.10: icmp_seq=2 ttl=57 time=10.7 ms
64 bytes from 192.0.2.10: icmp_seq=3 ttl=57 time=12.2 ms

--- 192.0.2.10 ping statistics ---
3 packets transmitted, 3 received, 0% packet loss, time 2003ms
rtt min/avg/max/mdev = 10.726/11.434/12.233/0.541 ms
`

const bsdPingOutput = `PING 192.0.2.10 (192.0.2.10): 56 data bytes
64 bytes from 192.0.2.10: icmp_seq=0 ttl=57 time=11.204 ms

--- 192.0.2.10 ping statistics ---
1 packets transmitted, 1 packets received, 0.0% packet loss
round-trip min/avg/max/stddev = 11.204/11.204/11.204/0.000 ms
`

const unreachablePingOutput = `PING 203.0.113.254 (203.0.113.254) 56(84) bytes of data.

--- 203.0.113.254 ping statistics ---
5 packets transmitted, 0 received, 100% packet loss, time 4096ms
`

func TestParsePingOutputLinux(t *testing.T) {
	stats, ok := parsePingOutput(linuxPingOutput)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if stats.MinMs != 10.726 || stats.AvgMs != 11.434 || stats.MaxMs != 12.233 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestParsePingOutputBSD(t *testing.T) {
	stats, ok := parsePingOutput(bsdPingOutput)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if stats.AvgMs != 11.204 {
		t.Fatalf("unexpected avg: %v", stats.AvgMs)
	}
}

func TestParsePingOutputNoSummary(t *testing.T) {
	if _, ok := parsePingOutput(unreachablePingOutput); ok {
		t.Fatalf("expected parse to fail without rtt line")
	}
	if _, ok := parsePingOutput(""); ok {
		t.Fatalf("expected parse to fail on empty output")
	}
}

func TestLooksUnreachable(t *testing.T) {
	if !looksUnreachable(unreachablePingOutput) {
		t.Fatalf("100%% loss should classify as unreachable")
	}
	if !looksUnreachable("ping: unknown host nosuchhost.invalid") {
		t.Fatalf("unknown host should classify as unreachable")
	}
	if looksUnreachable(linuxPingOutput) {
		t.Fatalf("successful run misclassified as unreachable")
	}
}
