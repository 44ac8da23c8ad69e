package ble

// Write sends an acknowledged write. BlueZ has no separate call for it:
// WriteWithoutResponse issues a plain WriteValue with no "type" option,
// which BlueZ sends as a write request on characteristics that support one
// and does not return until the peripheral replies.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
