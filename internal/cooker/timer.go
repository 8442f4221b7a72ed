package cooker

import (
	"fmt"
	"strconv"
	"strings"
)

// TimerToHoursMinutes splits a timer reply such as "125 m" into hours and
// minutes. Only the leading number is used.
func TimerToHoursMinutes(timer string) (hours, minutes int, err error) {
	fields := strings.Fields(timer)
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("cooker: empty timer value")
	}
	total, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || total < 0 {
		return 0, 0, fmt.Errorf("cooker: invalid timer value %q", timer)
	}
	totalMinutes := int(total)
	return totalMinutes / 60, totalMinutes % 60, nil
}

// DisplayCookingTime formats a timer reply as "2h 05m".
func DisplayCookingTime(timer string) (string, error) {
	h, m, err := TimerToHoursMinutes(timer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%dh %02dm", h, m), nil
}
