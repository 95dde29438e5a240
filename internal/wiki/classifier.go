package wiki

import "strings"

// BucketUncategorized is assigned when no keyword overlaps an article's tags.
const BucketUncategorized = "uncategorized"

// bucketKeywords binds a bucket name to its match keywords. Buckets are kept
// in a slice so score ties resolve by declaration order, not map iteration.
type bucketKeywords struct {
	Bucket   string
	Keywords []string
}

var defaultBuckets = []bucketKeywords{
	{"characters", []string{
		"Individuals", "Characters", "Humans", "Males", "Females",
		"Jedi", "Sith", "Rebels", "Imperials", "Clones",
		"Force-sensitives", "Mandalorians", "Bounty hunters",
		"Pilots", "Commanders", "Generals", "Admirals",
		"Smugglers", "Pirates", "Mercenaries", "Assassins",
		"Senators", "Politicians", "Diplomats", "Leaders",
		"Padawans", "Knights", "Masters", "Lords",
	}},
	{"planets", []string{
		"Planets", "Astronomical objects", "Moons", "Star systems",
		"Sectors", "Regions", "Space stations", "Asteroids",
		"Nebulae", "Worlds", "Systems", "Orbits",
	}},
	{"species", []string{
		"Species", "Sentient species", "Non-sentient species",
		"Humanoids", "Reptilians", "Amphibians", "Mammals",
		"Insectoids", "Avians", "Aquatic species",
	}},
	{"weapons", []string{
		"Weapons", "Blasters", "Lightsabers", "Explosives",
		"Melee weapons", "Ranged weapons", "Missiles", "Cannons",
		"Rifles", "Pistols", "Grenades", "Bombs", "Torpedoes",
	}},
	{"armor", []string{
		"Armor", "Protective gear", "Clothing", "Uniforms",
		"Helmets", "Suits", "Robes", "Garments", "Attire",
	}},
	{"vehicles", []string{
		"Vehicles", "Starships", "Starfighters", "Capital ships",
		"Transports", "Speeders", "Walkers", "Cruisers",
		"Freighters", "Corvettes", "Frigates", "Destroyers",
		"Shuttles", "Fighters", "Bombers", "Interceptors",
	}},
	{"droids", []string{
		"Droids", "Droid models", "Protocol droids",
		"Astromech droids", "Battle droids", "Medical droids",
		"Service droids", "Utility droids", "Repair droids",
	}},
	{"items", []string{
		"Technology", "Equipment", "Tools", "Devices",
		"Objects", "Artifacts", "Instruments", "Gadgets",
		"Machinery", "Computers", "Holocrons", "Crystals",
	}},
	{"organizations", []string{
		"Organizations", "Governments", "Factions", "Companies",
		"Orders", "Guilds", "Gangs", "Empires", "Republics",
		"Alliances", "Confederacies", "Syndicates", "Cartels",
		"Corporations", "Military units", "Squadrons",
	}},
	{"locations", []string{
		"Locations", "Cities", "Bases", "Structures", "Buildings",
		"Temples", "Palaces", "Installations", "Fortresses",
		"Outposts", "Settlements", "Facilities", "Landmarks",
		"Monuments", "Districts", "Quarters", "Stations",
	}},
	{"battles", []string{
		"Battles", "Conflicts", "Wars", "Sieges", "Campaigns",
		"Events", "Operations", "Missions", "Skirmishes",
		"Engagements", "Assaults", "Invasions",
	}},
	{"creatures", []string{
		"Creatures", "Animals", "Beasts", "Fauna", "Monsters",
		"Predators", "Wildlife", "Organisms",
	}},
	{"media", []string{
		"Media", "Films", "Television", "Books", "Comics",
		"Games", "Novels", "Series", "Episodes", "Chapters",
		"Issues", "Magazines", "Publications",
	}},
	{"technology", []string{
		"Technology", "Science", "Physics", "Hyperspace",
		"Communications", "Sensors", "Shields", "Reactors",
		"Engines", "Propulsion", "Navigation", "Scanners",
	}},
}

// Classifier assigns articles to buckets by keyword overlap with their raw
// wiki category tags. It holds no I/O state and is safe for concurrent use.
type Classifier struct {
	buckets []bucketKeywords
	// lowered mirrors buckets with pre-lowercased keywords.
	lowered [][]string
}

// NewClassifier builds a classifier over the default keyword table.
func NewClassifier() *Classifier {
	return NewClassifierWithTable(defaultBuckets)
}

// NewClassifierWithTable builds a classifier over a custom table. Bucket
// order in the slice decides score ties.
func NewClassifierWithTable(table []bucketKeywords) *Classifier {
	lowered := make([][]string, len(table))
	for i, b := range table {
		kws := make([]string, len(b.Keywords))
		for j, kw := range b.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		lowered[i] = kws
	}
	return &Classifier{buckets: table, lowered: lowered}
}

// Buckets returns the bucket names in declaration order, without the
// implicit uncategorized bucket.
func (c *Classifier) Buckets() []string {
	names := make([]string, len(c.buckets))
	for i, b := range c.buckets {
		names[i] = b.Bucket
	}
	return names
}

// Classify scores the article's category tags against every bucket and
// returns the winner. Score counts (keyword, tag) pairs where either string
// contains the other, case-insensitively, so pluralized and prefixed forms
// match without stemming. Zero overlap everywhere yields uncategorized.
// Ties go to the earlier-declared bucket.
func (c *Classifier) Classify(tags []string) string {
	if len(tags) == 0 {
		return BucketUncategorized
	}
	loweredTags := make([]string, len(tags))
	for i, tag := range tags {
		loweredTags[i] = strings.ToLower(tag)
	}

	best := BucketUncategorized
	bestScore := 0
	for i, kws := range c.lowered {
		score := 0
		for _, kw := range kws {
			for _, tag := range loweredTags {
				if strings.Contains(tag, kw) || strings.Contains(kw, tag) {
					score++
				}
			}
		}
		// Strictly greater keeps the first-declared bucket on ties.
		if score > bestScore {
			bestScore = score
			best = c.buckets[i].Bucket
		}
	}
	return best
}
