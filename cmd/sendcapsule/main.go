// Command sendcapsule uploads a capsule over the raw chunked protocol.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/wippyai/wasm-capsule/transfer"
)

func main() {
	var (
		payload  = flag.String("z", "", "Path to wasm payload")
		chunk    = flag.Int("s", 128, "Packetization level (bytes per datagram)")
		destIP   = flag.String("i", "10.42.0.61", "Destination IP")
		destPort = flag.Int("p", 1234, "Destination port")
		word     = flag.Int("w", 4, "Size declaration width in bytes (4 or 8)")
		pause    = flag.Duration("pause", 100*time.Millisecond, "Pause between chunks")
	)
	flag.Parse()

	if *payload == "" {
		fmt.Fprintln(os.Stderr, "Usage: sendcapsule -z <capsule.wasm> [-s 128] [-i ip] [-p port]")
		os.Exit(1)
	}
	if *word != 4 && *word != 8 {
		fmt.Fprintln(os.Stderr, "Error: -w must be 4 or 8")
		os.Exit(1)
	}

	if err := send(*payload, *chunk, *word, *destIP, *destPort, *pause); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func send(path string, chunk, word int, ip string, port int, pause time.Duration) error {
	bin, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if addr.IP == nil {
		return fmt.Errorf("invalid destination ip %q", ip)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Payload size: %d\n", len(bin))
	for i, d := range transfer.Datagrams(bin, word, chunk) {
		if i > 0 {
			fmt.Printf("Sending chunk of size %d\n", len(d))
		}
		if _, err := conn.WriteToUDP(d, addr); err != nil {
			return fmt.Errorf("send datagram %d: %w", i, err)
		}
		if i == 0 {
			time.Sleep(10 * time.Millisecond)
		} else {
			time.Sleep(pause)
		}
	}
	return nil
}
