package service

import (
	"strings"

	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

func deviceFromRecord(rec store.Record) types.Device {
	f := rec.Fields
	d := types.Device{
		Key:       rec.Key,
		MAC:       strings.TrimSpace(f.String(types.FieldMAC)),
		Name:      f.String(types.FieldName),
		UserToken: f.String(types.FieldUserToken),
		AppToken:  f.String(types.FieldAppToken),
		Lang:      f.String(types.FieldLang),
	}
	if d.MAC == "" {
		d.MAC = rec.Key
	}
	if ts, ok := f.Int64(types.FieldTimestamp); ok {
		d.Timestamp = ts
	}
	return d
}

func deviceFields(d types.Device) store.Fields {
	f := store.Fields{types.FieldMAC: d.MAC}
	if d.Name != "" {
		f[types.FieldName] = d.Name
	}
	if d.UserToken != "" {
		f[types.FieldUserToken] = d.UserToken
	}
	if d.AppToken != "" {
		f[types.FieldAppToken] = d.AppToken
	}
	if d.Lang != "" {
		f[types.FieldLang] = d.Lang
	}
	if d.Timestamp != 0 {
		f[types.FieldTimestamp] = d.Timestamp
	}
	return f
}

func alertFields(a types.Alert) store.Fields {
	return store.Fields{
		types.FieldMAC:     a.MAC,
		types.FieldLang:    a.Lang,
		types.FieldMessage: a.Message,
		types.FieldDate:    a.Date,
		types.FieldName:    a.Name,
	}
}
