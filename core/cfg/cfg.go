package cfg

import (
	"log"

	"github.com/ftl/hamradio/cfg"

	"github.com/ftl/sdrstream/core"
)

const (
	testmode            cfg.Key = "sdrstream.testmode"
	driver              cfg.Key = "sdrstream.driver"
	serial              cfg.Key = "sdrstream.serial"
	deviceIndex         cfg.Key = "sdrstream.deviceIndex"
	sampleRate          cfg.Key = "sdrstream.sampleRate"
	centerFrequency     cfg.Key = "sdrstream.centerFrequency"
	bandwidth           cfg.Key = "sdrstream.bandwidth"
	frequencyCorrection cfg.Key = "sdrstream.frequencyCorrection"
	ifMode              cfg.Key = "sdrstream.ifMode"
	format              cfg.Key = "sdrstream.format"
	numBuffers          cfg.Key = "sdrstream.numBuffers"
	bufferLength        cfg.Key = "sdrstream.bufferLength"
	agcEnabled          cfg.Key = "sdrstream.agc.enabled"
	agcSetpoint         cfg.Key = "sdrstream.agc.setpoint"
	agcHysteresis       cfg.Key = "sdrstream.agc.hysteresis"
	gainReduction       cfg.Key = "sdrstream.gainReduction"
	bandTable           cfg.Key = "sdrstream.bandTable"
	vfoHost             cfg.Key = "sdrstream.vfoHost"
	vfoOffset           cfg.Key = "sdrstream.vfoOffset"
)

type getter func(key cfg.Key, defaultValue interface{}) interface{}

// Load the configuration from the hamradio configuration file. Missing keys
// get the values of Static.
func Load() (core.Configuration, error) {
	configuration, err := cfg.LoadDefault()
	if err != nil {
		return core.Configuration{}, err
	}
	return fromGetter(func(key cfg.Key, defaultValue interface{}) interface{} {
		return configuration.Get(key, defaultValue)
	}), nil
}

func fromGetter(get getter) core.Configuration {
	defaults := Static()
	result := core.Configuration{
		Testmode:            getBool(get, testmode, defaults.Testmode),
		Driver:              getString(get, driver, defaults.Driver),
		Serial:              getString(get, serial, defaults.Serial),
		DeviceIndex:         int(getFloat(get, deviceIndex, float64(defaults.DeviceIndex))),
		SampleRate:          core.Frequency(getFloat(get, sampleRate, float64(defaults.SampleRate))),
		CenterFrequency:     core.Frequency(getFloat(get, centerFrequency, float64(defaults.CenterFrequency))),
		Bandwidth:           core.Frequency(getFloat(get, bandwidth, float64(defaults.Bandwidth))),
		FrequencyCorrection: getFloat(get, frequencyCorrection, defaults.FrequencyCorrection),
		IFMode:              getString(get, ifMode, defaults.IFMode),
		Format:              defaults.Format,
		NumBuffers:          int(getFloat(get, numBuffers, float64(defaults.NumBuffers))),
		BufferLength:        int(getFloat(get, bufferLength, float64(defaults.BufferLength))),
		AGC:                 getBool(get, agcEnabled, defaults.AGC),
		AGCSetpoint:         core.DB(getFloat(get, agcSetpoint, float64(defaults.AGCSetpoint))),
		AGCHysteresis:       core.DB(getFloat(get, agcHysteresis, float64(defaults.AGCHysteresis))),
		GainReduction:       int(getFloat(get, gainReduction, float64(defaults.GainReduction))),
		BandTable:           getString(get, bandTable, defaults.BandTable),
		VFOHost:             getString(get, vfoHost, defaults.VFOHost),
		VFOOffset:           core.Frequency(getFloat(get, vfoOffset, float64(defaults.VFOOffset))),
	}

	if value := getString(get, format, ""); value != "" {
		parsed, err := core.ParseSampleFormat(value)
		if err != nil {
			log.Printf("[WARN] %s: %v", format, err)
		} else {
			result.Format = parsed
		}
	}

	return result
}

func getBool(get getter, key cfg.Key, defaultValue bool) bool {
	value, ok := get(key, defaultValue).(bool)
	if !ok {
		log.Printf("[WARN] %s must be a boolean value", key)
		return defaultValue
	}
	return value
}

func getFloat(get getter, key cfg.Key, defaultValue float64) float64 {
	value, ok := get(key, defaultValue).(float64)
	if !ok {
		log.Printf("[WARN] %s must be a number", key)
		return defaultValue
	}
	return value
}

func getString(get getter, key cfg.Key, defaultValue string) string {
	value, ok := get(key, defaultValue).(string)
	if !ok {
		log.Printf("[WARN] %s must be a string", key)
		return defaultValue
	}
	return value
}

// Static returns the built-in configuration.
func Static() core.Configuration {
	return core.Configuration{
		Driver:          "rtlsdr",
		SampleRate:      2048000,
		CenterFrequency: 100000000,
		IFMode:          "Zero-IF",
		Format:          core.FormatCS16,
		NumBuffers:      8,
		BufferLength:    65536,
		AGC:             true,
		AGCSetpoint:     -30,
		AGCHysteresis:   3,
		GainReduction:   40,
	}
}
