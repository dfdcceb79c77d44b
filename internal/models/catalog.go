package models

// ParameterSpec describes a sensor parameter the engine knows how to evaluate.
type ParameterSpec struct {
	Key         string
	Category    TriggerCategory
	Unit        string
	Comparators []Comparator
}

var allComparators = []Comparator{Greater, Less, Equal, GreaterOrEqual, LessOrEqual}

var upperBound = []Comparator{Greater, GreaterOrEqual}

// Catalog lists the recognized parameters keyed by parameter key.
var Catalog = map[string]ParameterSpec{
	"water_level":          {Key: "water_level", Category: CategoryWater, Unit: "m", Comparators: allComparators},
	"river_flow":           {Key: "river_flow", Category: CategoryWater, Unit: "m3/s", Comparators: allComparators},
	"rainfall":             {Key: "rainfall", Category: CategoryWeather, Unit: "mm/h", Comparators: allComparators},
	"wind_speed":           {Key: "wind_speed", Category: CategoryWeather, Unit: "km/h", Comparators: allComparators},
	"temperature":          {Key: "temperature", Category: CategoryWeather, Unit: "C", Comparators: allComparators},
	"humidity":             {Key: "humidity", Category: CategoryWeather, Unit: "%", Comparators: allComparators},
	"earthquake_magnitude": {Key: "earthquake_magnitude", Category: CategorySeismic, Unit: "Mw", Comparators: upperBound},
	"ground_acceleration":  {Key: "ground_acceleration", Category: CategorySeismic, Unit: "g", Comparators: upperBound},
	"aqi":                  {Key: "aqi", Category: CategoryAir, Unit: "AQI", Comparators: allComparators},
	"pm25":                 {Key: "pm25", Category: CategoryAir, Unit: "ug/m3", Comparators: allComparators},
	"pm10":                 {Key: "pm10", Category: CategoryAir, Unit: "ug/m3", Comparators: allComparators},
	"co":                   {Key: "co", Category: CategoryAir, Unit: "ppm", Comparators: allComparators},
	"manual_signal":        {Key: "manual_signal", Category: CategoryManual, Comparators: []Comparator{Equal, GreaterOrEqual}},
}

// Supports reports whether the parameter accepts the comparator.
func (p ParameterSpec) Supports(c Comparator) bool {
	for _, allowed := range p.Comparators {
		if allowed == c {
			return true
		}
	}
	return false
}

// LookupParameter returns the catalog entry for key.
func LookupParameter(key string) (ParameterSpec, bool) {
	spec, ok := Catalog[key]
	return spec, ok
}
