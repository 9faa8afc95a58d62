package sos

import (
	"fmt"
	"strconv"
)

// MapLink returns a maps URL pointing at the position.
func MapLink(position Position) string {
	return fmt.Sprintf("https://maps.google.com/?q=%s,%s",
		formatCoordinate(position.Latitude),
		formatCoordinate(position.Longitude))
}

// FormatAlertMessage builds the text sent to every trusted contact.
func FormatAlertMessage(position Position) string {
	return fmt.Sprintf("SOS! I need help. My current location is: %s. Sent automatically via ResQ App.", MapLink(position))
}

// formatCoordinate prints the shortest decimal form of a coordinate.
func formatCoordinate(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
