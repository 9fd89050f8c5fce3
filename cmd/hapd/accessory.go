package main

import (
	"sync"

	hap "github.com/go-hap/hapcore"
)

// Well-known HAP service/characteristic short-form UUIDs (spec.md §8
// GLOSSARY), just enough of the catalog to stand up a demo bridge: the
// mandatory Accessory Information service and a single Lightbulb.
const (
	uuidAccessoryInformation = 0x3E
	uuidIdentify             = 0x14
	uuidManufacturer         = 0x20
	uuidModel                = 0x21
	uuidName                 = 0x23
	uuidSerialNumber         = 0x30
	uuidFirmwareRevision     = 0x52

	uuidLightbulb = 0x43
	uuidOn        = 0x25
)

// buildDemoAccessory assembles the one-bulb catalog hapd serves: an
// Accessory Information service every HAP accessory must expose, plus
// a Lightbulb whose On characteristic toggles an in-memory bool and
// fires subscribed events on every write, per spec.md §4.K.
func buildDemoAccessory(cfg *Config, srv *hap.AccessoryServer) *hap.Accessory {
	var nextIID uint64 = 1
	iid := func() uint64 {
		v := nextIID
		nextIID++
		return v
	}

	info := &hap.Service{IID: iid(), Type: hap.UUID16(uuidAccessoryInformation), Primary: false}
	info.AddCharacteristic(staticString(iid(), uuidIdentify, "false"))
	info.AddCharacteristic(staticString(iid(), uuidManufacturer, "go-hap"))
	info.AddCharacteristic(staticString(iid(), uuidModel, "hapd-lightbulb"))
	info.AddCharacteristic(staticString(iid(), uuidName, cfg.Accessory.Name))
	info.AddCharacteristic(staticString(iid(), uuidSerialNumber, "HAPD0001"))
	info.AddCharacteristic(staticString(iid(), uuidFirmwareRevision, "1.0.0"))

	bulb := &hap.Service{IID: iid(), Type: hap.UUID16(uuidLightbulb), Primary: true}
	nameChar := staticString(iid(), uuidName, cfg.Accessory.Name)
	bulb.AddCharacteristic(nameChar)
	bulb.AddCharacteristic(newOnCharacteristic(iid(), srv))

	return &hap.Accessory{AID: 1, Services: []*hap.Service{info, bulb}}
}

func staticString(iid uint64, shortUUID uint16, value string) *hap.Characteristic {
	c := &hap.Characteristic{IID: iid, Type: hap.UUID16(shortUUID), Format: hap.FormatString}
	c.Properties.Readable = true
	c.Properties.ReadableWithoutSecurity = false
	c.SetValue(value)
	return c
}

// newOnCharacteristic builds the Lightbulb's On characteristic, backed
// by an in-memory bool guarded by its own mutex since it is read and
// written from every session concurrently.
func newOnCharacteristic(iid uint64, srv *hap.AccessoryServer) *hap.Characteristic {
	c := &hap.Characteristic{IID: iid, Type: hap.UUID16(uuidOn), Format: hap.FormatBool}
	c.Properties.Readable = true
	c.Properties.Writable = true
	c.Properties.SupportsEventNotification = true

	var mu sync.Mutex
	var on bool

	c.HandleReadFunc(func(req hap.Request) (interface{}, hap.Status) {
		mu.Lock()
		defer mu.Unlock()
		return on, hap.StatusSuccess
	})
	c.HandleWriteFunc(func(req hap.Request, v interface{}) hap.Status {
		mu.Lock()
		on = v.(bool)
		cur := on
		mu.Unlock()

		srv.Notifier.Publish(hap.Event{AID: req.Accessory.AID, IID: req.Characteristic.IID, Value: cur})
		return hap.StatusSuccess
	})
	return c
}
