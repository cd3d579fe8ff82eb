// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"errors"
	"fmt"
	"os"

	"github.com/anatol/luks.go"
	"golang.org/x/term"
)

// luksAttempts is the number of passphrase prompts offered per boot. After
// the last failed attempt the stage fails for good; the operator must reboot.
const luksAttempts = 3

// PassphraseReader obtains a passphrase from the operator. The console
// implementation blocks on the terminal; tests substitute their own.
type PassphraseReader interface {
	ReadPassphrase(prompt string) ([]byte, error)
}

// ConsolePassphraseReader reads a passphrase from stdin without echo.
type ConsolePassphraseReader struct{}

// ReadPassphrase implements [PassphraseReader].
func (ConsolePassphraseReader) ReadPassphrase(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}

	return passphrase, nil
}

// cryptDevice is the subset of the LUKS device API the unlocker needs.
// [luks.Device] satisfies it.
type cryptDevice interface {
	Slots() []int
	Unlock(slot int, passphrase []byte, dmName string) error
	Close() error
}

// openCryptDevice is a seam for tests.
var openCryptDevice = func(path string) (cryptDevice, error) {
	device, err := luks.Open(path)
	if err != nil {
		return nil, fmt.Errorf("luks open %s: %w", path, err)
	}

	return device, nil
}

// UnlockLUKS opens the encrypted device at devicePath into the device-mapper
// name of the spec, prompting for a passphrase up to [luksAttempts] times.
//
// On success it returns the plaintext mapper path. After the final failed
// attempt it returns [ErrUnlockFailed]; no further retry happens in this
// boot. Passphrase buffers are zeroed after each attempt.
func UnlockLUKS(spec LUKSSpec, devicePath string, reader PassphraseReader) (string, error) {
	device, err := openCryptDevice(devicePath)
	if err != nil {
		return "", err
	}
	defer device.Close()

	slots := device.Slots()
	if len(slots) == 0 {
		return "", fmt.Errorf("device %s has no keyslots", devicePath)
	}

	for attempt := 1; attempt <= luksAttempts; attempt++ {
		prompt := fmt.Sprintf("Enter passphrase for %s: ", spec.Name)

		passphrase, err := reader.ReadPassphrase(prompt)
		if err != nil {
			return "", err
		}

		err = unlockAnySlot(device, slots, passphrase, spec.Name)
		zeroBytes(passphrase)

		if err == nil {
			return spec.MapperPath(), nil
		}

		if !errors.Is(err, luks.ErrPassphraseDoesNotMatch) {
			return "", fmt.Errorf("unlock %s: %w", devicePath, err)
		}

		fmt.Println("incorrect passphrase, please try again")
	}

	return "", ErrUnlockFailed
}

func unlockAnySlot(device cryptDevice, slots []int, passphrase []byte, name string) error {
	err := luks.ErrPassphraseDoesNotMatch

	for _, slot := range slots {
		err = device.Unlock(slot, passphrase, name)
		if !errors.Is(err, luks.ErrPassphraseDoesNotMatch) {
			return err
		}
	}

	return err
}

// zeroBytes clears sensitive data so it does not linger in memory.
func zeroBytes(data []byte) {
	for idx := range data {
		data[idx] = 0
	}
}
