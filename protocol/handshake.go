// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"io"
)

// Handshake is the magic each side sends before its first frame.
var Handshake = [PrefixSize]byte{'H', 'M', 'Q', 'P', '/', '1', '.', '0'}

// WriteHandshake writes the protocol magic.
func WriteHandshake(w io.Writer) error {
	_, err := w.Write(Handshake[:])
	return err
}

// ReadHandshake reads and verifies the protocol magic.
func ReadHandshake(r io.Reader) error {
	var b [PrefixSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	if b != Handshake {
		return ErrBadHandshake
	}
	return nil
}
