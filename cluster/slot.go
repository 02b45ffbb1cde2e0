package cluster

// SlotCount is the fixed number of slots in the destination keyspace.
const SlotCount = 16384

// crc16 is CRC-16/XMODEM: poly 0x1021, init 0, no reflection.
var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc16(p []byte) uint16 {
	var crc uint16
	for _, b := range p {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// HashTag returns the part of key that decides its slot: the bytes between
// the first '{' and the first '}' after it, when that is non-empty.
// Otherwise the whole key.
func HashTag(key []byte) []byte {
	for i, c := range key {
		if c != '{' {
			continue
		}
		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return key
				}
				return key[i+1 : j]
			}
		}
		return key
	}
	return key
}

// Slot maps a key to its slot.
func Slot(key []byte) uint16 {
	return crc16(HashTag(key)) & (SlotCount - 1)
}

// SlotOf is Slot for string keys.
func SlotOf(key string) uint16 {
	return Slot([]byte(key))
}
