// Package seed generates demo doctors and patients.
package seed

import (
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
)

var specialities = []string{
	"General physician",
	"Gynecologist",
	"Dermatologist",
	"Pediatricians",
	"Neurologist",
	"Gastroenterologist",
}

// RefFunc names the i-th record of kind ("doctor" or "patient").
type RefFunc func(kind string, i int) string

func UUIDRefs(string, int) string { return uuid.NewString() }

func SequentialRefs(kind string, i int) string { return fmt.Sprintf("%s-%d", kind, i+1) }

// Doctor keeps the address in the shape it should be stored in.
type Doctor struct {
	appointment.Doctor
	StoredAddress appointment.AddressVariant
}

type Data struct {
	Doctors  []Doctor
	Patients []appointment.Patient
}

// Generate builds fake records. Every third doctor is unavailable and
// addresses alternate between the free-text and structured shapes.
func Generate(doctors, patients int, ref RefFunc) Data {
	var d Data

	for i := 0; i < doctors; i++ {
		var stored appointment.AddressVariant
		if i%2 == 0 {
			stored = appointment.AddressAsObject{
				Line1: gofakeit.Street(),
				Line2: gofakeit.City(),
			}
		} else {
			stored = appointment.AddressAsLines(strings.Join([]string{
				gofakeit.Street(),
				gofakeit.City(),
				gofakeit.Zip(),
			}, "\n"))
		}

		d.Doctors = append(d.Doctors, Doctor{
			Doctor: appointment.Doctor{
				Ref:        ref("doctor", i),
				Name:       "Dr. " + gofakeit.Name(),
				Speciality: specialities[gofakeit.Number(0, len(specialities)-1)],
				Address:    stored.Normalize(),
				Image:      fmt.Sprintf("https://i.pravatar.cc/300?u=doctor-%d", i),
				Fees:       int64(gofakeit.Number(2, 20) * 50),
				Available:  i%3 != 2,
			},
			StoredAddress: stored,
		})
	}

	for i := 0; i < patients; i++ {
		email := gofakeit.Email()
		d.Patients = append(d.Patients, appointment.Patient{
			Ref:   ref("patient", i),
			Name:  gofakeit.Name(),
			Email: &email,
		})
	}

	return d
}

// Load puts the records into an in-memory repository.
func Load(repo *appointment.MemoryRepository, d Data) {
	for _, doc := range d.Doctors {
		repo.AddDoctor(doc.Doctor)
	}
	for _, p := range d.Patients {
		repo.AddPatient(p)
	}
}
