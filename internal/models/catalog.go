package models

// Languages a listing can declare.
var Languages = []string{
	"English",
	"Spanish",
	"French",
	"German",
	"Japanese",
	"Chinese",
	"Korean",
	"Portuguese",
	"Russian",
	"Arabic",
}

// Regions a listing can declare.
var Regions = []string{
	"Global",
	"North America",
	"South America",
	"Europe",
	"Asia",
	"Oceania",
	"Africa",
	"Middle East",
}

// Tags is the fixed category catalog used for submission and browse filtering.
var Tags = []string{
	"Gaming",
	"Anime",
	"Music",
	"Art",
	"Education",
	"Community",
	"Technology",
	"Programming",
	"Food",
	"Languages",
	"Dating",
	"Memes",
	"Roleplay",
	"Sports",
	"Science",
	"Entertainment",
	"Cryptocurrency",
	"Finance",
	"Politics",
	"Books",
	"Writing",
	"Fashion",
	"Health",
	"Fitness",
	"Travel",
	"Photography",
	"Movies",
	"Television",
	"Pets",
	"Nature",
	"History",
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func IsLanguage(v string) bool { return contains(Languages, v) }
func IsRegion(v string) bool   { return contains(Regions, v) }
func IsTag(v string) bool      { return contains(Tags, v) }

// Catalog is served to clients so forms and filters share the server's enums.
type Catalog struct {
	Languages []string  `json:"languages"`
	Regions   []string  `json:"regions"`
	Tags      []string  `json:"tags"`
	Sorts     []SortKey `json:"sorts"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Languages: Languages,
		Regions:   Regions,
		Tags:      Tags,
		Sorts:     []SortKey{SortTop, SortNew, SortBumped},
	}
}
