// internal/domain/trip/model.go

package trip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taxistream/internal/domain/geo"
	"taxistream/internal/domain/stream"
)

// Field positions of a taxi trip record
const (
	FieldMedallion = iota
	FieldHackLicense
	FieldPickupDatetime
	FieldDropoffDatetime
	FieldTripTimeSecs
	FieldTripDistance
	FieldPickupLongitude
	FieldPickupLatitude
	FieldDropoffLongitude
	FieldDropoffLatitude
	FieldPaymentType
	FieldFareAmount
	FieldSurcharge
	FieldMTATax
	FieldTipAmount
	FieldTollsAmount
	FieldTotalAmount

	FieldCount
)

// TimeLayout is the layout of pickup and dropoff timestamps
const TimeLayout = "2006-01-02 15:04:05"

// Trip represents one completed taxi ride
type Trip struct {
	Seq             uint64
	Medallion       string
	HackLicense     string
	PickupDatetime  time.Time
	DropoffDatetime time.Time
	TripTime        time.Duration
	TripDistance    float64
	Pickup          geo.Coordinate
	Dropoff         geo.Coordinate
	PaymentType     string
	FareAmount      float64
	Surcharge       float64
	MTATax          float64
	TipAmount       float64
	TollsAmount     float64
	TotalAmount     float64
}

// Profit is the driver's take for the ride
func (t Trip) Profit() float64 {
	return t.FareAmount + t.TipAmount
}

// ParseError reports a record that is not a valid trip
type ParseError struct {
	Seq   uint64
	Field int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("record %d: %v", e.Seq, e.Err)
	}
	return fmt.Sprintf("record %d field %d: %v", e.Seq, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse converts a raw record into a trip
func Parse(rec stream.Record) (Trip, error) {
	if rec.Len() < FieldCount {
		return Trip{}, &ParseError{
			Seq:   rec.Seq(),
			Field: -1,
			Err:   fmt.Errorf("expected %d fields, got %d", FieldCount, rec.Len()),
		}
	}

	p := parser{rec: rec}
	t := Trip{
		Seq:             rec.Seq(),
		Medallion:       p.text(FieldMedallion),
		HackLicense:     p.text(FieldHackLicense),
		PickupDatetime:  p.time(FieldPickupDatetime),
		DropoffDatetime: p.time(FieldDropoffDatetime),
		TripTime:        time.Duration(p.int(FieldTripTimeSecs)) * time.Second,
		TripDistance:    p.float(FieldTripDistance),
		Pickup: geo.Coordinate{
			Latitude:  p.float(FieldPickupLatitude),
			Longitude: p.float(FieldPickupLongitude),
		},
		Dropoff: geo.Coordinate{
			Latitude:  p.float(FieldDropoffLatitude),
			Longitude: p.float(FieldDropoffLongitude),
		},
		PaymentType: p.text(FieldPaymentType),
		FareAmount:  p.float(FieldFareAmount),
		Surcharge:   p.float(FieldSurcharge),
		MTATax:      p.float(FieldMTATax),
		TipAmount:   p.float(FieldTipAmount),
		TollsAmount: p.float(FieldTollsAmount),
		TotalAmount: p.float(FieldTotalAmount),
	}
	if p.err != nil {
		return Trip{}, p.err
	}

	if t.Medallion == "" {
		return Trip{}, &ParseError{Seq: rec.Seq(), Field: FieldMedallion, Err: fmt.Errorf("empty medallion")}
	}
	if t.DropoffDatetime.Before(t.PickupDatetime) {
		return Trip{}, &ParseError{Seq: rec.Seq(), Field: FieldDropoffDatetime, Err: fmt.Errorf("dropoff before pickup")}
	}

	return t, nil
}

// parser keeps the first conversion error
type parser struct {
	rec stream.Record
	err error
}

func (p *parser) fail(field int, err error) {
	if p.err == nil {
		p.err = &ParseError{Seq: p.rec.Seq(), Field: field, Err: err}
	}
}

func (p *parser) text(field int) string {
	return strings.TrimSpace(p.rec.Field(field))
}

func (p *parser) float(field int) float64 {
	v, err := strconv.ParseFloat(p.text(field), 64)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

func (p *parser) int(field int) int64 {
	v, err := strconv.ParseInt(p.text(field), 10, 64)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

func (p *parser) time(field int) time.Time {
	v, err := time.Parse(TimeLayout, p.text(field))
	if err != nil {
		p.fail(field, err)
	}
	return v
}
