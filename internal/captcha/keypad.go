package captcha

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// Keypad maps a digit answer to on-screen click coordinates for a named
// page zone. Buttons are laid out on a 3-column grid anchored at the zone's
// top-left corner.
type Keypad struct {
	zones  map[string][2]int
	gap    [2]int
	button [2]int

	mu  sync.Mutex
	rng *rand.Rand
}

// defaultZones are the keypad anchors observed on each game page.
var defaultZones = map[string][2]int{
	"roc_recruit":  {890, 705},
	"roc_armory":   {973, 1011},
	"roc_attack":   {585, 680},
	"roc_spy":      {585, 695},
	"roc_training": {973, 453},
}

func NewKeypad(zones map[string][2]int, gap, button [2]int) *Keypad {
	if len(zones) == 0 {
		zones = defaultZones
	}
	if gap == [2]int{} {
		gap = [2]int{52, 42}
	}
	if button == [2]int{} {
		button = [2]int{40, 30}
	}
	return &Keypad{
		zones:  zones,
		gap:    gap,
		button: button,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Coordinate returns a click position for the given answer label inside the
// zone's keypad, jittered so repeated clicks don't land on the same pixel.
// Unknown zones and non-digit labels are errors.
func (k *Keypad) Coordinate(label, zone string) (int, int, error) {
	anchor, ok := k.zones[zone]
	if !ok {
		return 0, 0, fmt.Errorf("keypad: zone %q has no coordinates", zone)
	}
	n, err := strconv.Atoi(label)
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("keypad: answer %q is not a button number", label)
	}
	n--

	btnX := anchor[0] + (n%3)*k.gap[0]
	btnY := anchor[1] + (n/3)*k.gap[1]

	k.mu.Lock()
	x := k.jitter(btnX, k.button[0])
	y := k.jitter(btnY, k.button[1])
	k.mu.Unlock()

	return x, y, nil
}

// jitter samples a gaussian click offset, resampling until it lands inside
// the button. Falls back to the button center after too many rejections.
func (k *Keypad) jitter(origin, size int) int {
	for i := 0; i < 16; i++ {
		v := float64(origin) + k.rng.NormFloat64()*float64(size)/3
		if v >= float64(origin) && v <= float64(origin+size) {
			return int(v)
		}
	}
	return origin + size/2
}
