// Package beam approximates the primary beam response of a single
// dish as an Airy pattern, used by CalibratorService to reject
// transits where the calibrator has fallen too far from boresight.
package beam

import "math"

// DefaultDishDiameterM is the antenna diameter assumed absent an
// override, in meters.
const DefaultDishDiameterM = 4.7

// DefaultFrequencyHz is the observing frequency assumed absent an
// override.
const DefaultFrequencyHz = 1.4e9

const speedOfLight = 2.99792458e8

// Response computes the normalized Airy-pattern primary-beam response
// at angular separation offsetDeg from boresight, for a dish of
// diameter dishDiameterM observing at frequencyHz. Response is 1 at
// boresight and falls off following besselJ1.
func Response(offsetDeg, dishDiameterM, frequencyHz float64) float64 {
	if dishDiameterM <= 0 || frequencyHz <= 0 {
		return 0
	}
	offsetRad := offsetDeg * math.Pi / 180

	wavelength := speedOfLight / frequencyHz
	// u is the standard Airy-disk argument, pi * D * sin(theta) / lambda.
	u := math.Pi * dishDiameterM * math.Sin(offsetRad) / wavelength
	if u == 0 {
		return 1
	}

	airy := 2 * besselJ1(u) / u
	return airy * airy
}

// besselJ1 approximates the Bessel function of the first kind, order
// 1, via the rational approximation in Abramowitz & Stegun 9.4.4 and
// 9.4.6 (accurate to within 1.3e-8 over the relevant domain).
func besselJ1(x float64) float64 {
	ax := math.Abs(x)
	if ax < 8.0 {
		y := x * x
		p1 := x * (72362614232.0 + y*(-7895059235.0+y*(242396853.1+y*(-2972611.439+y*(15704.48260+y*(-30.16036606))))))
		p2 := 144725228442.0 + y*(2300535178.0+y*(18583304.74+y*(99447.43394+y*(376.9991397+y*1.0))))
		return p1 / p2
	}

	z := 8.0 / ax
	y := z * z
	xx := ax - 2.356194491
	p1 := 1.0 + y*(0.183105e-2+y*(-0.3516396496e-4+y*(0.2457520174e-5+y*(-0.240337019e-6))))
	p2 := 0.04687499995 + y*(-0.2002690873e-3+y*(0.8449199096e-5+y*(-0.88228987e-6+y*0.105787412e-6)))
	result := math.Sqrt(0.636619772/ax) * (math.Cos(xx)*p1 - z*math.Sin(xx)*p2)
	if x < 0 {
		result = -result
	}
	return result
}
