package hap

// Service is one HAP service: a typed, iid-addressed group of
// characteristics, optionally linking other services by iid (spec.md
// §9 "cyclic accessory graph" — services reference linked services by
// value, not by pointer, so cycles are representable without special
// handling).
type Service struct {
	IID           uint64
	Type          UUID
	Hidden        bool
	Primary       bool
	LinkedServices []uint64 // iids of linked services

	chars []*Characteristic
}

// AddCharacteristic adds a characteristic to a service, mirroring
// paypal-gatt's Service.AddCharacteristic panic-on-duplicate contract,
// generalized from UUID-keyed dedup to the HAP iid namespace.
func (s *Service) AddCharacteristic(c *Characteristic) *Characteristic {
	for _, existing := range s.chars {
		if existing.IID == c.IID {
			panic("hap: service already contains a characteristic with iid " + uitoa(c.IID))
		}
	}
	s.chars = append(s.chars, c)
	return c
}

// Characteristics returns the service's characteristics in addition
// order.
func (s *Service) Characteristics() []*Characteristic {
	return append([]*Characteristic(nil), s.chars...)
}

// Accessory is one addressable HAP accessory (aid) exposing a set of
// services. A bridge accessory server hosts many Accessories under one
// top-level AccessoryServer.
type Accessory struct {
	AID      uint64
	Services []*Service
}

// ServiceByIID returns the service with the given iid, or nil.
func (a *Accessory) ServiceByIID(iid uint64) *Service {
	for _, s := range a.Services {
		if s.IID == iid {
			return s
		}
	}
	return nil
}

// CharacteristicByIID returns the characteristic with the given iid
// across all of the accessory's services, or nil. Lookup is linear,
// matching spec.md §4.C's "finding ... is linear" posture for small,
// statically-sized catalogs.
func (a *Accessory) CharacteristicByIID(iid uint64) (*Characteristic, *Service) {
	for _, s := range a.Services {
		for _, c := range s.chars {
			if c.IID == iid {
				return c, s
			}
		}
	}
	return nil, nil
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
