// Package calstore persists the calibration registration: a named
// collection of 6-DOF transforms plus per-lighthouse distortion
// coefficients. The store is read once at startup and rewritten only after
// a successful batch refinement.
package calstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// RegistrationName keys the world ↔ reference transform.
const RegistrationName = "registration"

// Store wraps the calibration database.
type Store struct {
	*sql.DB
}

// Open opens or creates a calibration store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transforms (
			name              TEXT PRIMARY KEY,
			tx                DOUBLE,
			ty                DOUBLE,
			tz                DOUBLE,
			rx                DOUBLE,
			ry                DOUBLE,
			rz                DOUBLE,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS distortions (
			serial            TEXT,
			axis              INTEGER,
			phase             DOUBLE,
			tilt              DOUBLE,
			gib_phase         DOUBLE,
			gib_mag           DOUBLE,
			curve             DOUBLE,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (serial, axis)
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db}, nil
}

func lighthouseName(serial string) string {
	return "lighthouse/" + serial
}

func trackerName(serial, transform string) string {
	return "tracker/" + serial + "/" + transform
}

// SaveTransform writes one named transform.
func (s *Store) SaveTransform(name string, t geometry.Transform) error {
	p := t.Param6()
	_, err := s.Exec(`
		INSERT INTO transforms (name, tx, ty, tz, rx, ry, rz)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			tx = excluded.tx, ty = excluded.ty, tz = excluded.tz,
			rx = excluded.rx, ry = excluded.ry, rz = excluded.rz,
			timestamp = CURRENT_TIMESTAMP`,
		name, p[0], p[1], p[2], p[3], p[4], p[5])
	if err != nil {
		return fmt.Errorf("save transform %s: %w", name, err)
	}
	return nil
}

// Transform reads one named transform. sql.ErrNoRows is returned when the
// name is absent.
func (s *Store) Transform(name string) (geometry.Transform, error) {
	var p [6]float64
	err := s.QueryRow(`
		SELECT tx, ty, tz, rx, ry, rz FROM transforms WHERE name = ?`, name).
		Scan(&p[0], &p[1], &p[2], &p[3], &p[4], &p[5])
	if err != nil {
		return geometry.Identity(), err
	}
	return geometry.FromParam6(p), nil
}

// SaveRegistry rewrites the whole store from the registry in one
// transaction: the world registration, every lighthouse pose with its
// distortion coefficients, and every tracker's internal transforms.
func (s *Store) SaveRegistry(reg *device.Registry) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM transforms`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM distortions`); err != nil {
		return err
	}

	insert := func(name string, t geometry.Transform) error {
		p := t.Param6()
		_, err := tx.Exec(`
			INSERT INTO transforms (name, tx, ty, tz, rx, ry, rz)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			name, p[0], p[1], p[2], p[3], p[4], p[5])
		return err
	}

	if err := insert(RegistrationName, reg.WorldFromReference()); err != nil {
		return err
	}
	for _, lh := range reg.Lighthouses() {
		if err := insert(lighthouseName(lh.Serial), lh.Pose); err != nil {
			return err
		}
		for axis := 0; axis < 2; axis++ {
			d := lh.Params[axis]
			_, err := tx.Exec(`
				INSERT INTO distortions (serial, axis, phase, tilt, gib_phase, gib_mag, curve)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				lh.Serial, axis, d.Phase, d.Tilt, d.GibPhase, d.GibMag, d.Curve)
			if err != nil {
				return err
			}
		}
	}
	for _, tr := range reg.Trackers() {
		if err := insert(trackerName(tr.Serial, "body_from_head"), tr.BodyFromHead); err != nil {
			return err
		}
		if err := insert(trackerName(tr.Serial, "tracking_from_head"), tr.TrackingFromHead); err != nil {
			return err
		}
		if err := insert(trackerName(tr.Serial, "imu_from_tracking"), tr.ImuFromTracking); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadRegistry applies every stored record to the registry. Lighthouses
// absent from the registry are created; tracker transforms apply only to
// already registered trackers, since sensor geometry arrives from device
// descriptions, not calibration.
func (s *Store) LoadRegistry(reg *device.Registry) error {
	rows, err := s.Query(`SELECT name, tx, ty, tz, rx, ry, rz FROM transforms ORDER BY rowid`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var p [6]float64
		if err := rows.Scan(&name, &p[0], &p[1], &p[2], &p[3], &p[4], &p[5]); err != nil {
			return err
		}
		t := geometry.FromParam6(p)
		switch {
		case name == RegistrationName:
			reg.SetWorldFromReference(t)
		case strings.HasPrefix(name, "lighthouse/"):
			serial := strings.TrimPrefix(name, "lighthouse/")
			if lh, ok := reg.Lighthouse(serial); ok {
				lh.Pose = t
			} else {
				reg.AddLighthouse(&device.Lighthouse{Serial: serial, Pose: t, Ready: true})
			}
		case strings.HasPrefix(name, "tracker/"):
			parts := strings.SplitN(strings.TrimPrefix(name, "tracker/"), "/", 2)
			if len(parts) != 2 {
				continue
			}
			tr, ok := reg.Tracker(parts[0])
			if !ok {
				continue
			}
			switch parts[1] {
			case "body_from_head":
				tr.BodyFromHead = t
			case "tracking_from_head":
				tr.TrackingFromHead = t
			case "imu_from_tracking":
				tr.ImuFromTracking = t
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	drows, err := s.Query(`SELECT serial, axis, phase, tilt, gib_phase, gib_mag, curve FROM distortions`)
	if err != nil {
		return err
	}
	defer drows.Close()

	for drows.Next() {
		var serial string
		var axis int
		var d geometry.Distortion
		if err := drows.Scan(&serial, &axis, &d.Phase, &d.Tilt, &d.GibPhase, &d.GibMag, &d.Curve); err != nil {
			return err
		}
		if axis < 0 || axis > 1 {
			continue
		}
		if lh, ok := reg.Lighthouse(serial); ok {
			lh.Params[axis] = d
		}
	}
	return drows.Err()
}
