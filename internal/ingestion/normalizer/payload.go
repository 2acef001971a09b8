package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"
)

// text holds any JSON scalar as its textual form. Objects, arrays and null
// decode to the empty value instead of failing the whole payload.
type text struct {
	s   string
	set bool
}

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		t.s, t.set = strings.TrimSpace(s), true
	case '{', '[':
		return nil
	default:
		t.s, t.set = string(b), true
	}
	return nil
}

func (t text) String() string { return t.s }

// bool interprets true, 1 and "yes" style flags.
func (t text) bool() bool {
	switch strings.ToLower(t.s) {
	case "true", "1", "yes", "y":
		return true
	}
	return false
}

// lenient decodes into V when the shapes agree and silently leaves V zero
// otherwise (the API sends [] where it means an empty object).
type lenient[T any] struct {
	V  T
	OK bool
}

func (l *lenient[T]) UnmarshalJSON(b []byte) error {
	var v T
	if err := json.Unmarshal(b, &v); err == nil {
		l.V, l.OK = v, true
	}
	return nil
}

type rawPrice struct {
	PriceTotal  text `json:"price_total"`
	PriceSquare text `json:"price_square"`
}

type rawImage struct {
	Large  text `json:"large"`
	Thumb  text `json:"thumb"`
	Blur   text `json:"blur"`
	IsMain text `json:"is_main"`
}

type rawParameter struct {
	ID                  text `json:"id"`
	Key                 text `json:"key"`
	DisplayName         text `json:"display_name"`
	Type                text `json:"type"`
	ParameterValue      text `json:"parameter_value"`
	ParameterSelectName text `json:"parameter_select_name"`
	SortIndex           text `json:"sort_index"`
}

type rawContact struct {
	Phone text `json:"phone"`
	Email text `json:"email"`
}

type rawUserType struct {
	Type text `json:"type"`
}

// payload is the typed view of one upstream listing. Every field is optional.
type payload struct {
	ID text `json:"id"`

	DynamicTitle text `json:"dynamic_title"`
	Title        text `json:"title"`
	DynamicSlug  text `json:"dynamic_slug"`
	Name         text `json:"name"`
	Comment      text `json:"comment"`
	Description  text `json:"description"`
	Details      text `json:"details"`

	Address        text `json:"address"`
	StreetAddress  text `json:"street_address"`
	FullAddress    text `json:"full_address"`
	StreetName     text `json:"street_name"`
	HouseNumber    text `json:"house_number"`
	BuildingNumber text `json:"building_number"`
	CityName       text `json:"city_name"`
	DistrictName   text `json:"district_name"`
	UrbanName      text `json:"urban_name"`
	Lat            text `json:"lat"`
	Lng            text `json:"lng"`

	RealEstateTypeID text `json:"real_estate_type_id"`
	DealTypeID       text `json:"deal_type_id"`
	Bedroom          text `json:"bedroom"`
	Room             text `json:"room"`
	Bathroom         text `json:"bathroom"`
	Area             text `json:"area"`
	YardArea         text `json:"yard_area"`

	Price lenient[map[string]rawPrice] `json:"price"`

	UserType    json.RawMessage     `json:"user_type"`
	UserTitle   text                `json:"user_title"`
	AgencyName  text                `json:"agency_name"`
	CompanyName text                `json:"company_name"`
	BrokerName  text                `json:"broker_name"`
	Contact     lenient[rawContact] `json:"contact"`

	Images     lenient[[]rawImage]     `json:"images"`
	Parameters lenient[[]rawParameter] `json:"parameters"`

	CreatedAt   text `json:"created_at"`
	LastUpdated text `json:"last_updated"`
}

// userTypeLabel returns user_type.type, accepting either an object or a bare
// string.
func (p *payload) userTypeLabel() string {
	if len(p.UserType) == 0 {
		return ""
	}
	var obj rawUserType
	if err := json.Unmarshal(p.UserType, &obj); err == nil {
		return obj.Type.String()
	}
	var s text
	_ = json.Unmarshal(p.UserType, &s)
	return s.String()
}

func decode(raw json.RawMessage) (*payload, bool) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func firstNonEmpty(values ...text) string {
	for _, v := range values {
		if v.s != "" {
			return v.s
		}
	}
	return ""
}
