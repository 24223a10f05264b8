package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

// MongoRepository stores appointments in the collections the clinic's
// existing MongoDB deployment uses (users, doctors, appointments). Slot
// admission goes through a per-slot counter document updated with a
// conditional $inc, so no multi-document transaction is needed. The counter
// is repaired from the appointment rows when it claims a slot is full.
type MongoRepository struct {
	users        *mongo.Collection
	doctors      *mongo.Collection
	appointments *mongo.Collection
	slots        *mongo.Collection
	attempts     *mongo.Collection
	events       *mongo.Collection
	log          *zap.Logger
}

// counterWriteTimeout bounds counter corrections that outlive the request.
const counterWriteTimeout = 5 * time.Second

func NewMongoRepository(ctx context.Context, db *mongo.Database, log *zap.Logger) (*MongoRepository, error) {
	r := newMongoRepository(db, log)

	_, err := r.appointments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "docId", Value: 1}, {Key: "slotDate", Value: 1}, {Key: "slotTime", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment indexes: %w", err)
	}
	_, err = r.slots.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.M{"slotDate": 1}})
	if err != nil {
		return nil, fmt.Errorf("create slot counter index: %w", err)
	}

	return r, nil
}

func newMongoRepository(db *mongo.Database, log *zap.Logger) *MongoRepository {
	return &MongoRepository{
		users:        db.Collection("users"),
		doctors:      db.Collection("doctors"),
		appointments: db.Collection("appointments"),
		slots:        db.Collection("slot_counters"),
		attempts:     db.Collection("payment_attempts"),
		events:       db.Collection("event_logs"),
		log:          log.Named("mongo"),
	}
}

// mongoAddress reads either stored address shape and always writes the object form.
type mongoAddress struct {
	Address
}

func (a *mongoAddress) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.String:
		a.Address = AddressAsLines(raw.StringValue()).Normalize()
	case bsontype.EmbeddedDocument:
		var o AddressAsObject
		if err := raw.Unmarshal(&o); err != nil {
			return fmt.Errorf("decode address object: %w", err)
		}
		a.Address = o.Normalize()
	case bsontype.Null, bsontype.Undefined:
		a.Address = Address{}
	default:
		return fmt.Errorf("decode address: unsupported bson type %s", t)
	}
	return nil
}

func (a mongoAddress) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(bson.M{"line1": a.Line1, "line2": a.Line2})
}

type mongoSnapshot struct {
	Name       string       `bson:"name"`
	Speciality string       `bson:"speciality"`
	Address    mongoAddress `bson:"address"`
	Image      string       `bson:"image"`
	Fees       int64        `bson:"fees"`
}

type mongoAppointment struct {
	ID                string        `bson:"_id"`
	UserID            string        `bson:"userId"`
	DocID             string        `bson:"docId"`
	SlotDate          string        `bson:"slotDate"`
	SlotTime          string        `bson:"slotTime"`
	CreatedAt         time.Time     `bson:"createdAt"`
	UpdatedAt         time.Time     `bson:"updatedAt"`
	Cancelled         bool          `bson:"cancelled"`
	IsCompleted       bool          `bson:"isCompleted"`
	Payment           bool          `bson:"payment"`
	PaymentGateway    string        `bson:"paymentGateway,omitempty"`
	PaymentGatewayRef string        `bson:"paymentGatewayRef,omitempty"`
	Amount            int64         `bson:"amount"`
	DocData           mongoSnapshot `bson:"docData"`
}

func (m *mongoAppointment) toDomain() (*Appointment, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("appointment id %q: %w", m.ID, err)
	}
	d, err := ParseSlotDate(m.SlotDate)
	if err != nil {
		return nil, fmt.Errorf("appointment %s: %w", m.ID, err)
	}
	t, err := ParseSlotTime(m.SlotTime)
	if err != nil {
		return nil, fmt.Errorf("appointment %s: %w", m.ID, err)
	}

	return &Appointment{
		ID:                id,
		PatientRef:        m.UserID,
		DoctorRef:         m.DocID,
		SlotDate:          d,
		SlotTime:          t,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		Cancelled:         m.Cancelled,
		IsCompleted:       m.IsCompleted,
		Payment:           m.Payment,
		PaymentGateway:    payment.GatewayName(m.PaymentGateway),
		PaymentGatewayRef: m.PaymentGatewayRef,
		Amount:            m.Amount,
		DocSnapshot: DoctorSnapshot{
			Name:       m.DocData.Name,
			Speciality: m.DocData.Speciality,
			Address:    m.DocData.Address.Address,
			Image:      m.DocData.Image,
			Fees:       m.DocData.Fees,
		},
	}, nil
}

// refFilter matches an account id stored either as an ObjectID or a string.
func refFilter(ref string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(ref); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{oid, ref}}}
	}
	return bson.M{"_id": ref}
}

// slotFilter matches every encoding the slot may have been written with.
func slotFilter(key SlotKey) bson.M {
	return bson.M{
		"docId":     key.DoctorRef,
		"slotDate":  bson.M{"$in": key.Date.Encodings()},
		"slotTime":  bson.M{"$in": key.Time.Encodings()},
		"cancelled": false,
	}
}

func (r *MongoRepository) decodeOne(res *mongo.SingleResult) (*Appointment, error) {
	var doc mongoAppointment
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return doc.toDomain()
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M) ([]Appointment, error) {
	cur, err := r.appointments.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoAppointment
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	result := make([]Appointment, 0, len(docs))
	for i := range docs {
		a, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, nil
}

func (r *MongoRepository) GetPatient(ctx context.Context, ref string) (*Patient, error) {
	var doc struct {
		Name  string  `bson:"name"`
		Email *string `bson:"email"`
	}
	if err := r.users.FindOne(ctx, refFilter(ref)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &Patient{Ref: ref, Name: doc.Name, Email: doc.Email}, nil
}

func (r *MongoRepository) GetDoctor(ctx context.Context, ref string) (*Doctor, error) {
	var doc struct {
		Name       string       `bson:"name"`
		Speciality string       `bson:"speciality"`
		Address    mongoAddress `bson:"address"`
		Image      string       `bson:"image"`
		Fees       int64        `bson:"fees"`
		Available  bool         `bson:"available"`
	}
	if err := r.doctors.FindOne(ctx, refFilter(ref)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &Doctor{
		Ref:        ref,
		Name:       doc.Name,
		Speciality: doc.Speciality,
		Address:    doc.Address.Address,
		Image:      doc.Image,
		Fees:       doc.Fees,
		Available:  doc.Available,
	}, nil
}

func (r *MongoRepository) Admit(ctx context.Context, na NewAppointment, capacity int) (*Appointment, error) {
	key := na.Key.String()

	// Seed the counter from existing rows the first time a slot is seen.
	existing, err := r.appointments.CountDocuments(ctx, slotFilter(na.Key))
	if err != nil {
		return nil, fmt.Errorf("count slot: %w", err)
	}
	_, err = r.slots.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$setOnInsert": bson.M{
			"doctorId":  na.Key.DoctorRef,
			"slotDate":  na.Key.Date.ISO(),
			"slotTime":  na.Key.Time.String(),
			"occupancy": existing,
		}},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("init slot counter: %w", err)
	}

	reserved, err := r.reserveSeat(ctx, key, capacity)
	if err != nil {
		return nil, err
	}
	if !reserved {
		repaired, err := r.repairCounter(ctx, na.Key)
		if err != nil {
			return nil, err
		}
		if repaired {
			reserved, err = r.reserveSeat(ctx, key, capacity)
			if err != nil {
				return nil, err
			}
		}
		if !reserved {
			return nil, CheckAdmission(capacity, capacity)
		}
	}

	now := time.Now().UTC()
	doc := mongoAppointment{
		ID:        uuid.NewString(),
		UserID:    na.PatientRef,
		DocID:     na.Key.DoctorRef,
		SlotDate:  na.Key.Date.ISO(),
		SlotTime:  na.Key.Time.String(),
		CreatedAt: now,
		UpdatedAt: now,
		Amount:    na.Amount,
		DocData: mongoSnapshot{
			Name:       na.DocSnapshot.Name,
			Speciality: na.DocSnapshot.Speciality,
			Address:    mongoAddress{Address: na.DocSnapshot.Address},
			Image:      na.DocSnapshot.Image,
			Fees:       na.DocSnapshot.Fees,
		},
	}
	if _, err := r.appointments.InsertOne(ctx, doc); err != nil {
		r.releaseSlot(ctx, key)
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	return doc.toDomain()
}

// reserveSeat takes one seat on the counter. It reports false when the
// counter is at capacity.
func (r *MongoRepository) reserveSeat(ctx context.Context, key string, capacity int) (bool, error) {
	err := r.slots.FindOneAndUpdate(ctx,
		bson.M{"_id": key, "occupancy": bson.M{"$lt": capacity}},
		bson.M{"$inc": bson.M{"occupancy": 1}}).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("reserve slot: %w", err)
	}
	return true, nil
}

// repairCounter lowers the slot counter to the number of non-cancelled rows
// when a lost release left it higher. Admissions for one slot are serialised
// by the slot lock, so no reservation is in flight while this runs.
func (r *MongoRepository) repairCounter(ctx context.Context, key SlotKey) (bool, error) {
	rows, err := r.appointments.CountDocuments(ctx, slotFilter(key))
	if err != nil {
		return false, fmt.Errorf("recount slot: %w", err)
	}

	res, err := r.slots.UpdateOne(ctx,
		bson.M{"_id": key.String(), "occupancy": bson.M{"$gt": rows}},
		bson.M{"$set": bson.M{"occupancy": rows}})
	if err != nil {
		return false, fmt.Errorf("repair slot counter: %w", err)
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}

	r.log.Warn("slot counter was ahead of bookings, repaired",
		zap.String("slot", key.String()),
		zap.Int64("occupancy", rows),
	)
	return true, nil
}

// releaseSlot gives a seat back. It runs detached from ctx so a request that
// ends after its own write still releases the seat.
func (r *MongoRepository) releaseSlot(ctx context.Context, key string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), counterWriteTimeout)
	defer cancel()

	_, err := r.slots.UpdateOne(releaseCtx,
		bson.M{"_id": key, "occupancy": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"occupancy": -1}})
	if err != nil {
		r.log.Error("failed to release slot seat",
			zap.String("slot", key),
			zap.Error(err),
		)
	}
}

func (r *MongoRepository) Occupancy(ctx context.Context, key SlotKey) (int, error) {
	n, err := r.appointments.CountDocuments(ctx, slotFilter(key))
	return int(n), err
}

func (r *MongoRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.decodeOne(r.appointments.FindOne(ctx, bson.M{"_id": id.String()}))
}

func (r *MongoRepository) ListByPatient(ctx context.Context, patientRef string) ([]Appointment, error) {
	return r.find(ctx, bson.M{"userId": patientRef})
}

func (r *MongoRepository) ListActiveInSlot(ctx context.Context, key SlotKey) ([]Appointment, error) {
	return r.find(ctx, slotFilter(key))
}

func (r *MongoRepository) ListActiveSlots(ctx context.Context, from SlotDate) ([]SlotOccupancy, error) {
	cur, err := r.slots.Find(ctx,
		bson.M{"slotDate": bson.M{"$gte": from.ISO()}, "occupancy": bson.M{"$gt": 0}},
		options.Find().SetSort(bson.D{{Key: "slotDate", Value: 1}, {Key: "slotTime", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []struct {
		DoctorID  string `bson:"doctorId"`
		SlotDate  string `bson:"slotDate"`
		SlotTime  string `bson:"slotTime"`
		Occupancy int    `bson:"occupancy"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	result := make([]SlotOccupancy, 0, len(docs))
	for _, d := range docs {
		key, err := ParseSlotKey(d.DoctorID, d.SlotDate, d.SlotTime)
		if err != nil {
			return nil, err
		}
		result = append(result, SlotOccupancy{Key: key, Occupancy: d.Occupancy})
	}
	return result, nil
}

func (r *MongoRepository) MarkCancelled(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.decodeOne(r.appointments.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "cancelled": false, "isCompleted": false},
		bson.M{"$set": bson.M{"cancelled": true, "updatedAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
	if err != nil {
		return nil, err
	}
	r.releaseSlot(ctx, a.Key().String())
	return a, nil
}

func (r *MongoRepository) MarkCompleted(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.decodeOne(r.appointments.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "cancelled": false, "isCompleted": false},
		bson.M{"$set": bson.M{"isCompleted": true, "updatedAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
}

func attemptID(gateway payment.GatewayName, ref string) string {
	return string(gateway) + ":" + ref
}

func (r *MongoRepository) RecordPaymentAttempt(ctx context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (*Appointment, error) {
	now := time.Now().UTC()
	a, err := r.decodeOne(r.appointments.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "payment": false, "cancelled": false, "isCompleted": false},
		bson.M{"$set": bson.M{"paymentGateway": string(gateway), "paymentGatewayRef": ref, "updatedAt": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
	if err != nil {
		return nil, err
	}

	_, err = r.attempts.InsertOne(ctx, bson.M{
		"_id":           attemptID(gateway, ref),
		"gateway":       string(gateway),
		"reference":     ref,
		"appointmentId": id.String(),
		"createdAt":     now,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("payment reference %s/%s already issued", gateway, ref)
		}
		return nil, fmt.Errorf("insert payment attempt: %w", err)
	}
	return a, nil
}

func (r *MongoRepository) FindPaymentAttempt(ctx context.Context, gateway payment.GatewayName, ref string) (uuid.UUID, error) {
	var doc struct {
		AppointmentID string `bson:"appointmentId"`
	}
	if err := r.attempts.FindOne(ctx, bson.M{"_id": attemptID(gateway, ref)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return uuid.Nil, ErrUnknownReference
		}
		return uuid.Nil, err
	}
	return uuid.Parse(doc.AppointmentID)
}

func (r *MongoRepository) MarkPaid(ctx context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (*Appointment, bool, error) {
	a, err := r.decodeOne(r.appointments.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "payment": false},
		bson.M{"$set": bson.M{
			"payment":           true,
			"paymentGateway":    string(gateway),
			"paymentGatewayRef": ref,
			"updatedAt":         time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, false, err
	}

	a, err = r.GetAppointment(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

func (r *MongoRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	doc := bson.M{
		"eventType": ev.EventType,
		"payload":   string(ev.Payload),
		"createdAt": ev.CreatedAt,
	}
	if ev.AppointmentID != nil {
		doc["appointmentId"] = ev.AppointmentID.String()
	}
	if _, err := r.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
