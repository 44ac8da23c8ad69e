//go:build !linux

package ble

// Write sends an acknowledged write and waits for the peripheral's response.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
