package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicos/billing/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgStore struct{ pool *pgxpool.Pool }

func (s pgStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// lockClause row-locks reads made inside a transaction so concurrent mutations of the
// same document queue behind each other.
func lockClause(ctx context.Context) string {
	if db.TxFromContext(ctx) != nil {
		return " FOR UPDATE"
	}
	return ""
}

// docTable describes where one document kind is stored.
type docTable struct {
	kind    Kind
	name    string
	lines   string
	dateCol string
	dueCol  string
	seq     string
	prefix  string
}

var (
	invoiceTable = docTable{KindInvoice, "invoice", "invoice_line_item", "invoice_date", "due_date", "invoice_number_seq", "INV-"}
	quoteTable   = docTable{KindQuote, "quote", "quote_line_item", "quote_date", "expiry_date", "quote_number_seq", "QU-"}
)

func (t docTable) cols() string {
	return `id, number, external_id, external_number, status, contact_type, contact_id, ` +
		t.dateCol + `, ` + t.dueCol + `, currency, reference, notes, subtotal, total_tax, total, created_at, updated_at`
}

// numberExpr allocates the next local document number, e.g. INV-000042.
func (t docTable) numberExpr() string {
	return fmt.Sprintf(`'%s' || lpad(nextval('%s')::text, 6, '0')`, t.prefix, t.seq)
}

func dateValue(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func scanDocument(t docTable, row pgx.Row, d *Document, extra ...interface{}) error {
	var (
		status, contactType, contactID string
		date, due                      time.Time
	)
	dest := []interface{}{
		&d.ID, &d.Number, &d.ExternalID, &d.ExternalNumber, &status, &contactType, &contactID,
		&date, &due, &d.Currency, &d.Reference, &d.Notes,
		&d.Totals.Subtotal, &d.Totals.TotalTax, &d.Totals.Total, &d.CreatedAt, &d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	s, err := ParseStatus(t.kind, status)
	if err != nil {
		return err
	}
	contact, err := NewContact(ContactType(contactType), contactID)
	if err != nil {
		return err
	}
	d.Status = s
	d.Contact = contact
	d.Date = civil.DateOf(date)
	d.DueDate = civil.DateOf(due)
	return nil
}

// documentArgs returns the values for cols() positions 3..15 (after id and number).
func documentArgs(d *Document) []interface{} {
	return []interface{}{
		d.ExternalID, d.ExternalNumber, string(d.Status), string(d.Contact.Type()), d.Contact.ID(),
		dateValue(d.Date), dateValue(d.DueDate), d.Currency, d.Reference, d.Notes,
		d.Totals.Subtotal, d.Totals.TotalTax, d.Totals.Total,
	}
}

// replaceLines rewrites a document's line items in one round trip.
func replaceLines(ctx context.Context, q queryable, t docTable, id uuid.UUID, items []LineItem) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM `+t.lines+` WHERE document_id = $1`, id)
	for i, li := range items {
		b.Queue(`INSERT INTO `+t.lines+` (document_id, position, description, quantity, unit_amount,
			discount_percent, tax_type, account_code) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			id, i, li.Description, li.Quantity, li.UnitAmount, li.DiscountPercent, string(li.TaxType), li.AccountCode)
	}
	br := q.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("write %s: %w", t.lines, err)
		}
	}
	return br.Close()
}

// loadLines fetches the line items of every document in docs and recomputes totals.
func loadLines(ctx context.Context, q queryable, t docTable, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Document, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		d.LineItems = nil
		byID[d.ID] = d
		ids = append(ids, d.ID.String())
	}

	rows, err := q.Query(ctx, `SELECT document_id, description, quantity, unit_amount, discount_percent,
		tax_type, account_code FROM `+t.lines+` WHERE document_id = ANY($1::uuid[]) ORDER BY document_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			docID   uuid.UUID
			li      LineItem
			taxType string
		)
		if err := rows.Scan(&docID, &li.Description, &li.Quantity, &li.UnitAmount, &li.DiscountPercent,
			&taxType, &li.AccountCode); err != nil {
			return err
		}
		li.TaxType = TaxType(taxType)
		if d, ok := byID[docID]; ok {
			d.LineItems = append(d.LineItems, li)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range docs {
		if len(d.LineItems) == 0 {
			continue
		}
		if err := d.Recalculate(); err != nil {
			return fmt.Errorf("%s %s: %w", t.name, d.ID, err)
		}
	}
	return nil
}

func contactFilter(q *db.SelectQuery, contactType ContactType, contactID string) {
	q.WhereEq("contact_type", string(contactType))
	q.WhereEq("contact_id", contactID)
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pgStore }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository {
	return &invoiceRepoPG{pgStore{pool: pool}}
}

var invCols = invoiceTable.cols() + `, amount_paid, origin_quote_id`

func (r *invoiceRepoPG) scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	if err := scanDocument(invoiceTable, row, &inv.Document, &inv.AmountPaid, &inv.OriginQuoteID); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	c := r.conn(ctx)
	args := append([]interface{}{inv.ID}, documentArgs(&inv.Document)...)
	args = append(args, inv.AmountPaid, inv.OriginQuoteID)
	err := c.QueryRow(ctx, `
		INSERT INTO invoice (id, number, external_id, external_number, status, contact_type, contact_id,
			invoice_date, due_date, currency, reference, notes, subtotal, total_tax, total,
			amount_paid, origin_quote_id)
		VALUES ($1, `+invoiceTable.numberExpr()+`, $2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING number, created_at, updated_at`, args...).
		Scan(&inv.Number, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return invoiceWriteError(err, inv)
	}
	return replaceLines(ctx, c, invoiceTable, inv.ID, inv.LineItems)
}

// invoiceWriteError turns the origin quote uniqueness violation into the StateError a
// second conversion of the same quote deserves.
func invoiceWriteError(err error, inv *Invoice) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == "invoice_origin_quote_unique" && inv.OriginQuoteID != nil {
		return &StateError{
			Kind: KindQuote, ID: *inv.OriginQuoteID, Status: StatusInvoiced, Action: ActionConvert,
			Reason: "quote already has an invoice",
		}
	}
	return err
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	c := r.conn(ctx)
	inv, err := r.scanInvoice(c.QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1`+lockClause(ctx), id))
	if err != nil {
		return nil, err
	}
	if err := loadLines(ctx, c, invoiceTable, []*Document{&inv.Document}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	c := r.conn(ctx)
	args := append([]interface{}{inv.ID}, documentArgs(&inv.Document)...)
	args = append(args, inv.AmountPaid, inv.OriginQuoteID)
	err := c.QueryRow(ctx, `
		UPDATE invoice SET external_id=$2, external_number=$3, status=$4, contact_type=$5, contact_id=$6,
			invoice_date=$7, due_date=$8, currency=$9, reference=$10, notes=$11,
			subtotal=$12, total_tax=$13, total=$14, amount_paid=$15, origin_quote_id=$16, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`, args...).Scan(&inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return invoiceWriteError(err, inv)
	}
	return replaceLines(ctx, c, invoiceTable, inv.ID, inv.LineItems)
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM invoice WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) List(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	q := db.NewSelectQuery("invoice", invCols)
	q.WhereEq("status", string(f.Status))
	contactFilter(q, f.ContactType, f.ContactID)
	if f.DueBefore != nil {
		q.Where("due_date < ?", dateValue(*f.DueBefore))
	}
	q.OrderBy("created_at DESC, id")

	c := r.conn(ctx)
	var total int
	if err := c.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		items []*Invoice
		docs  []*Document
	)
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
		docs = append(docs, &inv.Document)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()

	if err := loadLines(ctx, c, invoiceTable, docs); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// =========== Quote Repository ===========

type quoteRepoPG struct{ pgStore }

func NewQuoteRepoPG(pool *pgxpool.Pool) QuoteRepository {
	return &quoteRepoPG{pgStore{pool: pool}}
}

var quoteCols = quoteTable.cols() + `, invoice_id`

func (r *quoteRepoPG) scanQuote(row pgx.Row) (*Quote, error) {
	var q Quote
	if err := scanDocument(quoteTable, row, &q.Document, &q.InvoiceID); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *quoteRepoPG) Create(ctx context.Context, q *Quote) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	c := r.conn(ctx)
	args := append([]interface{}{q.ID}, documentArgs(&q.Document)...)
	args = append(args, q.InvoiceID)
	err := c.QueryRow(ctx, `
		INSERT INTO quote (id, number, external_id, external_number, status, contact_type, contact_id,
			quote_date, expiry_date, currency, reference, notes, subtotal, total_tax, total, invoice_id)
		VALUES ($1, `+quoteTable.numberExpr()+`, $2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING number, created_at, updated_at`, args...).
		Scan(&q.Number, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return err
	}
	return replaceLines(ctx, c, quoteTable, q.ID, q.LineItems)
}

func (r *quoteRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Quote, error) {
	c := r.conn(ctx)
	q, err := r.scanQuote(c.QueryRow(ctx, `SELECT `+quoteCols+` FROM quote WHERE id = $1`+lockClause(ctx), id))
	if err != nil {
		return nil, err
	}
	if err := loadLines(ctx, c, quoteTable, []*Document{&q.Document}); err != nil {
		return nil, err
	}
	return q, nil
}

func (r *quoteRepoPG) Update(ctx context.Context, q *Quote) error {
	c := r.conn(ctx)
	args := append([]interface{}{q.ID}, documentArgs(&q.Document)...)
	args = append(args, q.InvoiceID)
	err := c.QueryRow(ctx, `
		UPDATE quote SET external_id=$2, external_number=$3, status=$4, contact_type=$5, contact_id=$6,
			quote_date=$7, expiry_date=$8, currency=$9, reference=$10, notes=$11,
			subtotal=$12, total_tax=$13, total=$14, invoice_id=$15, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`, args...).Scan(&q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return replaceLines(ctx, c, quoteTable, q.ID, q.LineItems)
}

func (r *quoteRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM quote WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *quoteRepoPG) List(ctx context.Context, f QuoteFilter, limit, offset int) ([]*Quote, int, error) {
	q := db.NewSelectQuery("quote", quoteCols)
	q.WhereEq("status", string(f.Status))
	contactFilter(q, f.ContactType, f.ContactID)
	q.OrderBy("created_at DESC, id")

	c := r.conn(ctx)
	var total int
	if err := c.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		items []*Quote
		docs  []*Document
	)
	for rows.Next() {
		qt, err := r.scanQuote(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, qt)
		docs = append(docs, &qt.Document)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()

	if err := loadLines(ctx, c, quoteTable, docs); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pgStore }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepoPG{pgStore{pool: pool}}
}

const payCols = `id, invoice_id, amount, payment_date, reference, account_code, status, external_id, created_at`

func (r *paymentRepoPG) scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p      Payment
		date   time.Time
		status string
	)
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &date, &p.Reference, &p.AccountCode, &status, &p.ExternalID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Date = civil.DateOf(date)
	p.Status = PaymentStatus(status)
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, invoice_id, amount, payment_date, reference, account_code, status, external_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		p.ID, p.InvoiceID, p.Amount, dateValue(p.Date), p.Reference, p.AccountCode, string(p.Status), p.ExternalID).
		Scan(&p.CreatedAt)
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+payCols+` FROM payment WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
