package rplidar

import "errors"

var (
	// ErrTransportOpenFailed is returned when the serial port cannot be opened.
	ErrTransportOpenFailed = errors.New("transport open failed")

	// ErrTimedOut is returned when a reply does not arrive before its deadline.
	ErrTimedOut = errors.New("timed out waiting for response")

	// ErrMalformedFrame is returned when a buffer does not match the expected record size.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrProtocolViolation is returned when a decoded field is out of its documented range.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrOpenFailed is returned when the device never answered the handshake.
	ErrOpenFailed = errors.New("open failed")

	// ErrScanActive is returned by one-shot queries issued while streaming.
	ErrScanActive = errors.New("scan in progress")

	// ErrNoData is returned by Transport.ReadByte when nothing is buffered.
	ErrNoData = errors.New("no data available")

	// ErrNotOpen is returned when the transport has not been opened.
	ErrNotOpen = errors.New("lidar not open")
)
