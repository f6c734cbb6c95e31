package extract

import (
	"math"
	"strings"
)

// districtCentres maps lowercase Istanbul district names to their approximate
// centre coordinates, used as a fallback when the address text names no
// district.
var districtCentres = map[string][2]float64{
	"adalar":        {40.8760, 29.0914},
	"arnavutköy":    {41.1840, 28.7400},
	"ataşehir":      {40.9923, 29.1244},
	"avcılar":       {40.9792, 28.7214},
	"bağcılar":      {41.0340, 28.8570},
	"bahçelievler":  {41.0020, 28.8598},
	"bakırköy":      {40.9819, 28.8772},
	"başakşehir":    {41.0931, 28.8020},
	"bayrampaşa":    {41.0351, 28.9120},
	"beşiktaş":      {41.0430, 29.0094},
	"beykoz":        {41.1340, 29.0920},
	"beylikdüzü":    {40.9820, 28.6396},
	"beyoğlu":       {41.0370, 28.9766},
	"büyükçekmece":  {41.0200, 28.5850},
	"çatalca":       {41.1440, 28.4610},
	"çekmeköy":      {41.0360, 29.1770},
	"esenler":       {41.0440, 28.8760},
	"esenyurt":      {41.0340, 28.6800},
	"eyüpsultan":    {41.0480, 28.9340},
	"fatih":         {41.0160, 28.9400},
	"gaziosmanpaşa": {41.0580, 28.9120},
	"güngören":      {41.0190, 28.8720},
	"kadıköy":       {40.9830, 29.0630},
	"kağıthane":     {41.0850, 28.9710},
	"kartal":        {40.9060, 29.1900},
	"küçükçekmece":  {41.0000, 28.7800},
	"maltepe":       {40.9350, 29.1510},
	"pendik":        {40.8770, 29.2510},
	"sancaktepe":    {41.0020, 29.2310},
	"sarıyer":       {41.1670, 29.0570},
	"silivri":       {41.0740, 28.2460},
	"sultanbeyli":   {40.9610, 29.2670},
	"sultangazi":    {41.1060, 28.8680},
	"şile":          {41.1760, 29.6130},
	"şişli":         {41.0600, 28.9870},
	"tuzla":         {40.8160, 29.3010},
	"ümraniye":      {41.0160, 29.1210},
	"üsküdar":       {41.0230, 29.0150},
	"zeytinburnu":   {40.9940, 28.9030},
}

var turkishLower = strings.NewReplacer(
	"İ", "i", "I", "ı", "Ş", "ş", "Ğ", "ğ", "Ü", "ü", "Ö", "ö", "Ç", "ç",
)

// NormalizeTurkish lowercases text with the Turkish dotted/dotless i pairs
// folded correctly; strings.ToLower alone maps I to i, never ı.
func NormalizeTurkish(s string) string {
	return strings.ToLower(turkishLower.Replace(s))
}

// District resolves a venue's district, preferring a name match in the
// address text and falling back to the nearest district centre when
// coordinates are known. Returns "" when neither signal is available.
func District(address string, lat, lng float64) string {
	if address != "" {
		lower := NormalizeTurkish(address)
		for name := range districtCentres {
			if strings.Contains(lower, name) {
				return name
			}
		}
	}

	if lat == 0 && lng == 0 {
		return ""
	}

	best := ""
	bestDist := math.MaxFloat64
	for name, centre := range districtCentres {
		dLat := lat - centre[0]
		dLng := lng - centre[1]
		d := dLat*dLat + dLng*dLng
		if d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}
