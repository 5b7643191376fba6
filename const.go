// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.12
//

package ddbatch

const (
	PI = 3.1415926535897932  // Pi
	C  = 2.99792458e8        // Speed of light [m/s]
	Re = 6378137.0           // Earth's radius [m]
	Fe = 1.0 / 298.257223563 // Earth's flattening
	L1 = 1575420000.0        // L1 frequency of G/J [Hz]
	B1 = 1561098000.0        // B1 frequency of Beidou [Hz]
	E1 = 1575420000.0        // E1 frequency of Galileo [Hz]
	LS = 18                  // Leap seconds (GPS - UTC) [s]
)

// Hard caps of the iterative loops
const (
	MAX_OUTLIER_LOOP   = 20      // Outlier down-weighting passes
	MAX_CLEANING_LOOP  = 10      // Missed cycle-slip correction passes
	MAX_STABILIZE_LOOP = 50      // Unstable arc/block removals
	MAX_SEARCH_LOOP    = 2000000 // Integer search steps
)
