package geodesy

// lteBand describes the downlink EARFCN range of an LTE band
type lteBand struct {
	band      int
	fDLLowMHz float64 // Lowest downlink frequency of the band
	nOffsDL   int     // First EARFCN of the band
	nMaxDL    int     // Last EARFCN of the band
}

// Downlink EARFCN ranges from 3GPP TS 36.101 table 5.7.3-1 for the bands most
// commonly seen by handsets.
var lteBands = []lteBand{
	{band: 1, fDLLowMHz: 2110, nOffsDL: 0, nMaxDL: 599},
	{band: 2, fDLLowMHz: 1930, nOffsDL: 600, nMaxDL: 1199},
	{band: 3, fDLLowMHz: 1805, nOffsDL: 1200, nMaxDL: 1949},
	{band: 4, fDLLowMHz: 2110, nOffsDL: 1950, nMaxDL: 2399},
	{band: 5, fDLLowMHz: 869, nOffsDL: 2400, nMaxDL: 2649},
	{band: 7, fDLLowMHz: 2620, nOffsDL: 2750, nMaxDL: 3449},
	{band: 8, fDLLowMHz: 925, nOffsDL: 3450, nMaxDL: 3799},
	{band: 12, fDLLowMHz: 729, nOffsDL: 5010, nMaxDL: 5179},
	{band: 13, fDLLowMHz: 746, nOffsDL: 5180, nMaxDL: 5279},
	{band: 14, fDLLowMHz: 758, nOffsDL: 5280, nMaxDL: 5379},
	{band: 17, fDLLowMHz: 734, nOffsDL: 5730, nMaxDL: 5849},
	{band: 20, fDLLowMHz: 791, nOffsDL: 6150, nMaxDL: 6449},
	{band: 25, fDLLowMHz: 1930, nOffsDL: 8040, nMaxDL: 8689},
	{band: 26, fDLLowMHz: 859, nOffsDL: 8690, nMaxDL: 9039},
	{band: 28, fDLLowMHz: 758, nOffsDL: 9210, nMaxDL: 9659},
	{band: 66, fDLLowMHz: 2110, nOffsDL: 66436, nMaxDL: 67335},
	{band: 71, fDLLowMHz: 617, nOffsDL: 68586, nMaxDL: 68935},
}

// FrequencyFromChannel converts a raw carrier channel code into a downlink
// frequency in MHz within [MinFrequencyMHz, MaxFrequencyMHz].
//
// Codes that fall inside a known EARFCN range are converted with
// F = F_DL_low + 0.1·(N − N_offs). Codes outside every known range that already
// look like a MHz value are taken as-is. Everything else maps to
// FallbackFrequencyMHz.
func FrequencyFromChannel(code int) float64 {
	for _, b := range lteBands {
		if code >= b.nOffsDL && code <= b.nMaxDL {
			return b.fDLLowMHz + 0.1*float64(code-b.nOffsDL)
		}
	}

	if mhz := float64(code); mhz >= MinFrequencyMHz && mhz <= MaxFrequencyMHz {
		return mhz
	}

	return FallbackFrequencyMHz
}

// BandForChannel returns the LTE band number for an EARFCN, or 0 when unknown
func BandForChannel(code int) int {
	for _, b := range lteBands {
		if code >= b.nOffsDL && code <= b.nMaxDL {
			return b.band
		}
	}
	return 0
}
