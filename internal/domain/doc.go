// Package domain models air-quality readings and the computations that turn
// them into canonical, classified AQI observations.
//
// # Data Sources
//
// Readings arrive already parsed from three kinds of source:
//
//	satellite  geostationary instrument retrievals (e.g. TEMPO NO2/HCHO/O3 columns
//	           converted upstream to near-surface concentrations)
//	ground     regulatory or low-cost sensor network stations
//	weather    concentrations derived by a weather/chemistry model service
//
// Each reading carries one pollutant concentration, its unit, a WGS-84 position
// and a UTC timestamp. Ingestion is responsible for parsing source wire formats;
// this package only validates the parsed values.
//
// # Units
//
// Breakpoint tables declare the unit they are expressed in. Readings are converted
// into the table unit before interpolation:
//
//	ug/m3 <-> mg/m3     factor 1000
//	ppb   <-> ppm       factor 1000
//	ppb   <-> ug/m3     ug/m3 = ppb * MW / 24.45   (25 °C, 1 atm; gases only)
//
// Particulate matter has no molecular weight, so PM2.5/PM10 readings reported
// as mixing ratios are rejected with [ErrInvalidInput].
//
// # Sub-index computation
//
// A breakpoint table is an ordered list of (CLow, CHigh, ILow, IHigh) brackets.
// The concentration is truncated to the table precision (EPA convention: PM2.5 to
// 0.1 ug/m3, PM10 to 1 ug/m3, gases to 1 ppb, CO to 0.1 ppm) and interpolated:
//
//	I = ILow + (IHigh - ILow) / (CHigh - CLow) * (C - CLow)
//
// Values above the last bracket are extrapolated along the last bracket's slope and
// flagged BeyondScale.
//
// # Fusion
//
// Readings for one location and time bucket are merged per pollutant. A ground
// reading younger than the policy's GroundMaxAge wins; otherwise satellite and
// weather estimates are averaged. The canonical AQI is the maximum sub-index, and
// the dominant pollutant is the one reaching it, ties broken by the fixed order
//
//	PM2.5 > O3 > PM10 > NO2 > SO2 > CO > HCHO
//
// A bucket in which no pollutant has data fails with [ErrInsufficientData]. A zero
// AQI is never fabricated, because 0 would classify as Good.
//
// # ID Generation
//
// Observation IDs are deterministic SHA-256 hashes of location key and bucket
// timestamp, so replaying the same readings yields the same ID downstream.
package domain
