// Command test-adv is a manual test for the advertising payload.
// It builds the payload for a name and service UUID, prints it as hex,
// then decodes it back element by element.
//
// Usage:
//
//	go run ./cmd/test-adv [--name GGABCDEF] [--uuid 20e8737f-539f-11b6-5846-29831f8037c8]
//	go run ./cmd/test-adv --decode 0201061107...
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/chaz8081/gghub/internal/ble"
	"github.com/chaz8081/gghub/internal/ble/protocol"
	"github.com/chaz8081/gghub/internal/gatt"
)

func main() {
	name := flag.String("name", "GGXXXXXX", "8-character advertised name")
	uuid := flag.String("uuid", "", "128-bit service UUID (default: hub UUID)")
	decode := flag.String("decode", "", "hex payload to decode instead of encoding")
	flag.Parse()

	raw, err := payload(*name, *uuid, *decode)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Payload (%d bytes): %s\n", len(raw), hex.EncodeToString(raw))

	elems, err := protocol.ParseADStructures(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	for i, e := range elems {
		fmt.Printf("  [%d] type=0x%02x len=%-2d %s\n", i, e.Type, len(e.Data), hex.EncodeToString(e.Data))
	}

	adv, err := protocol.DecodeAdvData(raw)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Name: %q\n", adv.LocalName())
	fmt.Printf("UUID: %s\n", gatt.UUID128(adv.UUID))
}

func payload(name, uuid, decode string) ([]byte, error) {
	if decode != "" {
		return hex.DecodeString(decode)
	}
	u := ble.DefaultAdvUUID
	if uuid != "" {
		var err error
		if u, err = gatt.ParseUUID(uuid); err != nil {
			return nil, err
		}
	}
	adv, err := protocol.NewAdvData(u.Bytes(), name)
	if err != nil {
		return nil, err
	}
	return adv.Encode(), nil
}
