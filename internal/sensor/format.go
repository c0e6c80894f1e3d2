package sensor

import "strconv"

// Missing is the reading shown for a sensor that is not present.
const Missing = " -----"

// rounding of the 4 bit binary fraction to one decimal
var decimals = [16]byte{'0', '1', '1', '2', '3', '3', '4', '4', '5', '6', '6', '7', '8', '8', '9', '9'}

// Format converts a raw DS18B20 temperature (1/16 degree C, two's complement)
// into a six character string: sign (' ' or '-'), three whole digits, '.', one decimal.
// Fahrenheit is computed in integer arithmetic and may be off by 0.1 degree.
func Format(raw int16, fahrenheit bool) string {
	var (
		whole int32
		dec   int32
		sign  byte = ' '
	)

	if !fahrenheit {
		v := int32(raw)
		if v < 0 {
			v = -v
			sign = '-'
		}
		dec = v & 0xf
		whole = (v & 0x7f0) >> 4
	} else {
		// +55C offset keeps the intermediate positive, 1072 = 1584 - 512 removes it and adds 32F
		v := (int32(raw)+880)*180/100 - 1072
		whole = v / 16
		dec = v & 0xf
		if v < 0 {
			whole = -whole
			dec = ((dec ^ 0xf) + 1) & 0xf
			sign = '-'
		}
	}

	b := make([]byte, 0, 6)
	b = append(b, sign)
	digits := strconv.Itoa(int(whole % 1000))
	for i := len(digits); i < 3; i++ {
		b = append(b, '0')
	}
	b = append(b, digits...)
	b = append(b, '.', decimals[dec])
	return string(b)
}

// CRC8 is the Dallas/Maxim 1-Wire CRC (polynomial x^8+x^5+x^4+1, reflected 0x8C).
func CRC8(data []byte) uint8 {
	var crc uint8
	for _, in := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ in) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			in >>= 1
		}
	}
	return crc
}
