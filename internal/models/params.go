package models

// ParamDA holds the fitted dynamics of one particle.
type ParamDA struct {
	// D is the diffusion coefficient in pixel²/time^A.
	D float64 `json:"D"`

	// A is the anomalous exponent, in (0, 2).
	A float64 `json:"A"`

	// Mu is the mean position (x, y).
	Mu [2]float64 `json:"mu"`
}

// ParamCDA holds the result of a coupled fit: per-particle dynamics with the
// substrate removed plus the substrate's own dynamics.
type ParamCDA struct {
	DA []ParamDA `json:"da"`
	DR float64   `json:"DR"`
	AR float64   `json:"AR"`
}

// ParticleID pairs a track (channel) with a trajectory inside that track.
// It is bookkeeping only.
type ParticleID struct {
	TrackID int `json:"track_id"`
	TrajID  int `json:"traj_id"`
}
