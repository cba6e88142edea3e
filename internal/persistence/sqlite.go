package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"boorukeep/internal/apperr"
	"boorukeep/internal/core"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting every repository
// work unmodified inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteDB implements Database on top of database/sql + go-sqlite3.
type SQLiteDB struct {
	db   *sql.DB
	path string

	images       ImageRepository
	imageSources ImageSourceRepository
	rawMetadata  RawMetadataRepository
	tags         TagRepository
	deltaJournal DeltaJournalRepository
	implications ImplicationRepository
	pools        PoolRepository
	relations    ImageRelationRepository
	dupPairs     DuplicatePairRepository
	dupSuggest   DuplicatePairSuggestionRepository
	simCache     SimilarImageCacheRepository
	configStore  ConfigRepository
}

// Open creates (or reopens) the catalog's SQLite database under dataDir,
// running schema creation and migrations before returning.
func Open(dataDir string) (*SQLiteDB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperr.Fatal(err, "create data directory %q", dataDir)
	}
	dbPath := filepath.Join(dataDir, "booru.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, apperr.Fatal(err, "open sqlite database")
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &SQLiteDB{db: db, path: dbPath}
	if err := s.bootstrap(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.wireRepos(db, nil)
	return s, nil
}

func (s *SQLiteDB) bootstrap() error {
	if err := createSchema(s.db); err != nil {
		return apperr.Fatal(err, "create schema")
	}
	if err := runMigrations(s.db); err != nil {
		return apperr.Fatal(err, "run migrations")
	}
	return nil
}

func (s *SQLiteDB) wireRepos(q querier, tx *sql.Tx) {
	s.images = &imageRepo{q: q}
	s.imageSources = &imageSourceRepo{q: q}
	s.rawMetadata = &rawMetadataRepo{q: q}
	s.tags = &tagRepo{q: q}
	s.deltaJournal = &deltaJournalRepo{q: q}
	s.implications = &implicationRepo{q: q}
	s.pools = &poolRepo{q: q}
	s.relations = &relationRepo{q: q}
	s.dupPairs = &dupPairRepo{q: q}
	s.dupSuggest = &dupSuggestRepo{q: q}
	s.simCache = &simCacheRepo{q: q}
	s.configStore = &configRepo{q: q}
}

func (s *SQLiteDB) Images() ImageRepository                              { return s.images }
func (s *SQLiteDB) ImageSources() ImageSourceRepository                  { return s.imageSources }
func (s *SQLiteDB) RawMetadata() RawMetadataRepository                   { return s.rawMetadata }
func (s *SQLiteDB) Tags() TagRepository                                  { return s.tags }
func (s *SQLiteDB) DeltaJournal() DeltaJournalRepository                 { return s.deltaJournal }
func (s *SQLiteDB) Implications() ImplicationRepository                  { return s.implications }
func (s *SQLiteDB) Pools() PoolRepository                                { return s.pools }
func (s *SQLiteDB) Relations() ImageRelationRepository                   { return s.relations }
func (s *SQLiteDB) DuplicatePairs() DuplicatePairRepository              { return s.dupPairs }
func (s *SQLiteDB) DuplicateSuggestions() DuplicatePairSuggestionRepository { return s.dupSuggest }
func (s *SQLiteDB) SimilarCache() SimilarImageCacheRepository            { return s.simCache }
func (s *SQLiteDB) ConfigStore() ConfigRepository                        { return s.configStore }

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) BeginTx(ctx context.Context) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin transaction")
	}
	t := &sqliteTx{tx: tx}
	t.wireRepos(tx, tx)
	return t, nil
}

// sqliteTx implements Transaction by reusing SQLiteDB's repo wiring bound to
// a *sql.Tx instead of the top-level *sql.DB.
type sqliteTx struct {
	SQLiteDB
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

// --- schema -----------------------------------------------------------

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			md5 TEXT UNIQUE NOT NULL,
			filepath TEXT UNIQUE NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			file_size INTEGER NOT NULL DEFAULT 0,
			ingested_at DATETIME NOT NULL,
			active_source TEXT NOT NULL DEFAULT '',
			character_tags TEXT NOT NULL DEFAULT '[]',
			copyright_tags TEXT NOT NULL DEFAULT '[]',
			artist_tags TEXT NOT NULL DEFAULT '[]',
			species_tags TEXT NOT NULL DEFAULT '[]',
			meta_tags TEXT NOT NULL DEFAULT '[]',
			general_tags TEXT NOT NULL DEFAULT '[]',
			post_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			has_children BOOLEAN NOT NULL DEFAULT 0,
			phash TEXT NOT NULL DEFAULT '',
			color_hash TEXT NOT NULL DEFAULT '',
			rating TEXT NOT NULL DEFAULT 'unknown',
			score REAL NOT NULL DEFAULT 0,
			embedding BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_images_phash ON images(phash);`,
		`CREATE INDEX IF NOT EXISTS idx_images_post_id ON images(post_id);`,
		`CREATE TABLE IF NOT EXISTS image_sources (
			image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			source TEXT NOT NULL,
			PRIMARY KEY (image_id, source)
		);`,
		`CREATE TABLE IF NOT EXISTS raw_metadata (
			image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			source TEXT NOT NULL,
			raw_json BLOB NOT NULL,
			PRIMARY KEY (image_id, source)
		);`,
		`CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			category TEXT NOT NULL,
			extended_category TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS image_tags (
			image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			origin TEXT NOT NULL,
			PRIMARY KEY (image_id, tag_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_image_tags_tag ON image_tags(tag_id);`,
		`CREATE TABLE IF NOT EXISTS tag_delta_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			image_md5 TEXT NOT NULL,
			tag_name TEXT NOT NULL,
			tag_category TEXT NOT NULL,
			operation TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_delta_journal_md5 ON tag_delta_journal(image_md5);`,
		`CREATE TABLE IF NOT EXISTS implications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			implied_tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			inference TEXT NOT NULL,
			confidence REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS pool_images (
			pool_id INTEGER NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
			image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			PRIMARY KEY (pool_id, image_id)
		);`,
		`CREATE TABLE IF NOT EXISTS image_relations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			image_a INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			image_b INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relations_a ON image_relations(image_a);`,
		`CREATE INDEX IF NOT EXISTS idx_relations_b ON image_relations(image_b);`,
		`CREATE TABLE IF NOT EXISTS duplicate_pairs (
			image_a INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			image_b INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			distance INTEGER NOT NULL,
			threshold_at INTEGER NOT NULL,
			computed_at DATETIME NOT NULL,
			PRIMARY KEY (image_a, image_b)
		);`,
		`CREATE TABLE IF NOT EXISTS duplicate_pair_suggestions (
			image_a INTEGER NOT NULL,
			image_b INTEGER NOT NULL,
			mean_abs_diff REAL NOT NULL DEFAULT 0,
			changed_pixel_ratio REAL NOT NULL DEFAULT 0,
			largest_blob_ratio REAL NOT NULL DEFAULT 0,
			blob_count INTEGER NOT NULL DEFAULT 0,
			peak_blob_contrast REAL NOT NULL DEFAULT 0,
			mask_mismatch REAL NOT NULL DEFAULT 0,
			pixel_area_ratio REAL NOT NULL DEFAULT 0,
			filesize_ratio REAL NOT NULL DEFAULT 0,
			tag_gap_ratio REAL NOT NULL DEFAULT 0,
			composite_visual REAL NOT NULL DEFAULT 0,
			metadata_adjustment REAL NOT NULL DEFAULT 0,
			final_signal REAL NOT NULL DEFAULT 0,
			computed_at DATETIME NOT NULL,
			PRIMARY KEY (image_a, image_b)
		);`,
		`CREATE TABLE IF NOT EXISTS similar_images_cache (
			source_id INTEGER NOT NULL,
			similar_id INTEGER NOT NULL,
			score REAL NOT NULL,
			type TEXT NOT NULL,
			rank INTEGER NOT NULL,
			PRIMARY KEY (source_id, type, rank)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sim_cache_source ON similar_images_cache(source_id, type);`,
		`CREATE TABLE IF NOT EXISTS config_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental ALTER TABLE changes for databases
// created before a column existed, the way the cache store historically
// grew its schema.
func runMigrations(db *sql.DB) error {
	addColumnIfMissing := func(table, column, ddl string) error {
		var count int
		q := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name=?", table)
		if err := db.QueryRow(q, column).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
		return err
	}

	if err := addColumnIfMissing("images", "score", "score REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := addColumnIfMissing("tags", "extended_category", "extended_category TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// --- helpers ------------------------------------------------------------

func marshalTagList(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTagList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	return names, nil
}

func serializeEmbedding(embedding []float32) ([]byte, error) {
	if embedding == nil {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	for _, v := range embedding {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("serialize embedding: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func deserializeEmbedding(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	buf := bytes.NewReader(data)
	var embedding []float32
	for buf.Len() > 0 {
		var v float32
		if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
			return nil, fmt.Errorf("deserialize embedding: %w", err)
		}
		embedding = append(embedding, v)
	}
	return embedding, nil
}

func int64Placeholders(ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

// --- imageRepo ------------------------------------------------------------

type imageRepo struct{ q querier }

func scanImage(row interface{ Scan(dest ...any) error }) (*core.Image, error) {
	var img core.Image
	var charJSON, copyJSON, artJSON, specJSON, metaJSON, genJSON string
	var embeddingBlob []byte
	err := row.Scan(
		&img.ID, &img.MD5, &img.Filepath, &img.Width, &img.Height, &img.FileSize,
		&img.IngestedAt, &img.ActiveSource,
		&charJSON, &copyJSON, &artJSON, &specJSON, &metaJSON, &genJSON,
		&img.PostID, &img.ParentID, &img.HasChildren,
		&img.PHash, &img.ColorHash, &img.Rating, &img.Score, &embeddingBlob,
	)
	if err != nil {
		return nil, err
	}
	if img.Tags.Character, err = unmarshalTagList(charJSON); err != nil {
		return nil, err
	}
	if img.Tags.Copyright, err = unmarshalTagList(copyJSON); err != nil {
		return nil, err
	}
	if img.Tags.Artist, err = unmarshalTagList(artJSON); err != nil {
		return nil, err
	}
	if img.Tags.Species, err = unmarshalTagList(specJSON); err != nil {
		return nil, err
	}
	if img.Tags.Meta, err = unmarshalTagList(metaJSON); err != nil {
		return nil, err
	}
	if img.Tags.General, err = unmarshalTagList(genJSON); err != nil {
		return nil, err
	}
	if img.Embedding, err = deserializeEmbedding(embeddingBlob); err != nil {
		return nil, err
	}
	return &img, nil
}

const imageColumns = `id, md5, filepath, width, height, file_size, ingested_at, active_source,
	character_tags, copyright_tags, artist_tags, species_tags, meta_tags, general_tags,
	post_id, parent_id, has_children, phash, color_hash, rating, score, embedding`

func (r *imageRepo) Create(ctx context.Context, img *core.Image) (int64, error) {
	char, err := marshalTagList(img.Tags.Character)
	if err != nil {
		return 0, apperr.DataShape("marshal character tags: %v", err)
	}
	cop, _ := marshalTagList(img.Tags.Copyright)
	art, _ := marshalTagList(img.Tags.Artist)
	spec, _ := marshalTagList(img.Tags.Species)
	meta, _ := marshalTagList(img.Tags.Meta)
	gen, _ := marshalTagList(img.Tags.General)
	embedding, err := serializeEmbedding(img.Embedding)
	if err != nil {
		return 0, apperr.DataShape("serialize embedding: %v", err)
	}
	if img.IngestedAt.IsZero() {
		img.IngestedAt = time.Now().UTC()
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO images (
			md5, filepath, width, height, file_size, ingested_at, active_source,
			character_tags, copyright_tags, artist_tags, species_tags, meta_tags, general_tags,
			post_id, parent_id, has_children, phash, color_hash, rating, score, embedding
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		img.MD5, img.Filepath, img.Width, img.Height, img.FileSize, img.IngestedAt, img.ActiveSource,
		char, cop, art, spec, meta, gen,
		img.PostID, img.ParentID, img.HasChildren, img.PHash, img.ColorHash, img.Rating, img.Score, embedding,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, apperr.Integrity(err, "image with this md5 or filepath already exists")
		}
		return 0, apperr.Fatal(err, "insert image")
	}
	return res.LastInsertId()
}

func (r *imageRepo) Get(ctx context.Context, id int64) (*core.Image, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("image %d not found", id)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get image %d", id)
	}
	return img, nil
}

func (r *imageRepo) GetByMD5(ctx context.Context, md5 string) (*core.Image, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE md5 = ?`, md5)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("image with md5 %s not found", md5)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get image by md5")
	}
	return img, nil
}

func (r *imageRepo) GetByFilepath(ctx context.Context, filepath string) (*core.Image, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE filepath = ?`, filepath)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("image at %s not found", filepath)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get image by filepath")
	}
	return img, nil
}

func (r *imageRepo) List(ctx context.Context, ids []int64) ([]core.Image, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := int64Placeholders(ids)
	rows, err := r.q.QueryContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, apperr.Fatal(err, "list images")
	}
	defer rows.Close()

	var out []core.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, apperr.Fatal(err, "scan image row")
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

func (r *imageRepo) Update(ctx context.Context, img *core.Image) error {
	char, _ := marshalTagList(img.Tags.Character)
	cop, _ := marshalTagList(img.Tags.Copyright)
	art, _ := marshalTagList(img.Tags.Artist)
	spec, _ := marshalTagList(img.Tags.Species)
	meta, _ := marshalTagList(img.Tags.Meta)
	gen, _ := marshalTagList(img.Tags.General)
	embedding, err := serializeEmbedding(img.Embedding)
	if err != nil {
		return apperr.DataShape("serialize embedding: %v", err)
	}
	_, err = r.q.ExecContext(ctx, `
		UPDATE images SET filepath=?, width=?, height=?, file_size=?, active_source=?,
			character_tags=?, copyright_tags=?, artist_tags=?, species_tags=?, meta_tags=?, general_tags=?,
			post_id=?, parent_id=?, has_children=?, phash=?, color_hash=?, rating=?, score=?, embedding=?
		WHERE id=?`,
		img.Filepath, img.Width, img.Height, img.FileSize, img.ActiveSource,
		char, cop, art, spec, meta, gen,
		img.PostID, img.ParentID, img.HasChildren, img.PHash, img.ColorHash, img.Rating, img.Score, embedding,
		img.ID,
	)
	if err != nil {
		return apperr.Fatal(err, "update image %d", img.ID)
	}
	return nil
}

func (r *imageRepo) UpdateDenormalizedTags(ctx context.Context, imageID int64, tags core.CategorizedTags) error {
	char, _ := marshalTagList(tags.Character)
	cop, _ := marshalTagList(tags.Copyright)
	art, _ := marshalTagList(tags.Artist)
	spec, _ := marshalTagList(tags.Species)
	meta, _ := marshalTagList(tags.Meta)
	gen, _ := marshalTagList(tags.General)
	_, err := r.q.ExecContext(ctx, `
		UPDATE images SET character_tags=?, copyright_tags=?, artist_tags=?, species_tags=?, meta_tags=?, general_tags=?
		WHERE id=?`, char, cop, art, spec, meta, gen, imageID)
	if err != nil {
		return apperr.Fatal(err, "update denormalized tags for image %d", imageID)
	}
	return nil
}

func (r *imageRepo) UpdateActiveSource(ctx context.Context, imageID int64, source string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE images SET active_source=? WHERE id=?`, source, imageID)
	if err != nil {
		return apperr.Fatal(err, "update active source for image %d", imageID)
	}
	return nil
}

func (r *imageRepo) UpdateHashes(ctx context.Context, imageID int64, phash, colorHash string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE images SET phash=?, color_hash=? WHERE id=?`, phash, colorHash, imageID)
	if err != nil {
		return apperr.Fatal(err, "update hashes for image %d", imageID)
	}
	return nil
}

func (r *imageRepo) UpdateEmbedding(ctx context.Context, imageID int64, embedding []float32) error {
	blob, err := serializeEmbedding(embedding)
	if err != nil {
		return apperr.DataShape("serialize embedding: %v", err)
	}
	_, err = r.q.ExecContext(ctx, `UPDATE images SET embedding=? WHERE id=?`, blob, imageID)
	if err != nil {
		return apperr.Fatal(err, "update embedding for image %d", imageID)
	}
	return nil
}

func (r *imageRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM images WHERE id=?`, id)
	if err != nil {
		return apperr.Fatal(err, "delete image %d", id)
	}
	return nil
}

func (r *imageRepo) AllPHashes(ctx context.Context) (map[int64]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, phash FROM images WHERE phash != ''`)
	if err != nil {
		return nil, apperr.Fatal(err, "list phashes")
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var phash string
		if err := rows.Scan(&id, &phash); err != nil {
			return nil, apperr.Fatal(err, "scan phash row")
		}
		out[id] = phash
	}
	return out, rows.Err()
}

func (r *imageRepo) AllEmbeddings(ctx context.Context) (map[int64][]float32, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, embedding FROM images WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, apperr.Fatal(err, "list embeddings")
	}
	defer rows.Close()

	out := make(map[int64][]float32)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, apperr.Fatal(err, "scan embedding row")
		}
		emb, err := deserializeEmbedding(blob)
		if err != nil {
			return nil, apperr.DataShape("deserialize embedding for image %d: %v", id, err)
		}
		out[id] = emb
	}
	return out, rows.Err()
}

func (r *imageRepo) AllIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id FROM images`)
	if err != nil {
		return nil, apperr.Fatal(err, "list image ids")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Fatal(err, "scan image id row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *imageRepo) CountAll(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	if err != nil {
		return 0, apperr.Fatal(err, "count images")
	}
	return n, nil
}

func (r *imageRepo) idsWhere(ctx context.Context, where string) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id FROM images WHERE `+where)
	if err != nil {
		return nil, apperr.Fatal(err, "query image ids where %s", where)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Fatal(err, "scan image id row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *imageRepo) IDsWithParent(ctx context.Context) ([]int64, error) {
	return r.idsWhere(ctx, `parent_id != ''`)
}

func (r *imageRepo) IDsWithChildren(ctx context.Context) ([]int64, error) {
	return r.idsWhere(ctx, `has_children = 1`)
}

func (r *imageRepo) SearchByFilename(ctx context.Context, needle string) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id FROM images WHERE filepath LIKE ?`, "%"+needle+"%")
	if err != nil {
		return nil, apperr.Fatal(err, "search images by filename %q", needle)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Fatal(err, "scan image id row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- imageSourceRepo --------------------------------------------------

type imageSourceRepo struct{ q querier }

func (r *imageSourceRepo) LinkSource(ctx context.Context, imageID int64, source string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO image_sources (image_id, source) VALUES (?, ?)`, imageID, source)
	if err != nil {
		return apperr.Fatal(err, "link source %s to image %d", source, imageID)
	}
	return nil
}

func (r *imageSourceRepo) SourcesFor(ctx context.Context, imageID int64) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT source FROM image_sources WHERE image_id=?`, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "list sources for image %d", imageID)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apperr.Fatal(err, "scan source row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *imageSourceRepo) HasSource(ctx context.Context, imageID int64, source string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM image_sources WHERE image_id=? AND source=?`, imageID, source).Scan(&n)
	if err != nil {
		return false, apperr.Fatal(err, "check source %s for image %d", source, imageID)
	}
	return n > 0, nil
}

func (r *imageSourceRepo) ClearAll(ctx context.Context) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM image_sources`); err != nil {
		return apperr.Fatal(err, "clear image sources")
	}
	return nil
}

func (r *imageSourceRepo) ImagesForSource(ctx context.Context, source string) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT image_id FROM image_sources WHERE source=?`, source)
	if err != nil {
		return nil, apperr.Fatal(err, "list images for source %s", source)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Fatal(err, "scan image id row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- rawMetadataRepo ----------------------------------------------------

type rawMetadataRepo struct{ q querier }

func (r *rawMetadataRepo) Put(ctx context.Context, imageID int64, source string, raw []byte) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO raw_metadata (image_id, source, raw_json) VALUES (?, ?, ?)
		ON CONFLICT (image_id, source) DO UPDATE SET raw_json=excluded.raw_json`,
		imageID, source, raw)
	if err != nil {
		return apperr.Fatal(err, "put raw metadata for image %d source %s", imageID, source)
	}
	return nil
}

func (r *rawMetadataRepo) Get(ctx context.Context, imageID int64, source string) ([]byte, error) {
	var raw []byte
	err := r.q.QueryRowContext(ctx,
		`SELECT raw_json FROM raw_metadata WHERE image_id=? AND source=?`, imageID, source).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no raw metadata for image %d source %s", imageID, source)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get raw metadata")
	}
	return raw, nil
}

func (r *rawMetadataRepo) AllForImage(ctx context.Context, imageID int64) (map[string][]byte, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT source, raw_json FROM raw_metadata WHERE image_id=?`, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "list raw metadata for image %d", imageID)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var source string
		var raw []byte
		if err := rows.Scan(&source, &raw); err != nil {
			return nil, apperr.Fatal(err, "scan raw metadata row")
		}
		out[source] = raw
	}
	return out, rows.Err()
}

func (r *rawMetadataRepo) AllImages(ctx context.Context) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT DISTINCT image_id FROM raw_metadata ORDER BY image_id`)
	if err != nil {
		return nil, apperr.Fatal(err, "list raw metadata images")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Fatal(err, "scan image id row")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- tagRepo --------------------------------------------------------------

type tagRepo struct{ q querier }

func scanTag(row interface{ Scan(dest ...any) error }) (*core.Tag, error) {
	var t core.Tag
	if err := row.Scan(&t.ID, &t.Name, &t.Category, &t.ExtendedCategory); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tagRepo) GetOrCreate(ctx context.Context, name string, category core.TagCategory) (*core.Tag, error) {
	if existing, err := r.GetByName(ctx, name); err == nil {
		return existing, nil
	}
	res, err := r.q.ExecContext(ctx, `INSERT INTO tags (name, category) VALUES (?, ?)`, name, category)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return r.GetByName(ctx, name)
		}
		return nil, apperr.Fatal(err, "create tag %s", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Fatal(err, "get tag id")
	}
	return &core.Tag{ID: id, Name: name, Category: category}, nil
}

func (r *tagRepo) GetByName(ctx context.Context, name string) (*core.Tag, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, name, category, extended_category FROM tags WHERE name=?`, name)
	t, err := scanTag(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("tag %s not found", name)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get tag by name")
	}
	return t, nil
}

func (r *tagRepo) GetByID(ctx context.Context, id int64) (*core.Tag, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, name, category, extended_category FROM tags WHERE id=?`, id)
	t, err := scanTag(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("tag %d not found", id)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get tag by id")
	}
	return t, nil
}

func (r *tagRepo) UpdateCategory(ctx context.Context, tagID int64, category core.TagCategory, extended string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE tags SET category=?, extended_category=? WHERE id=?`, category, extended, tagID)
	if err != nil {
		return apperr.Fatal(err, "recategorize tag %d", tagID)
	}
	return nil
}

func (r *tagRepo) Rename(ctx context.Context, tagID int64, newName string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE tags SET name=? WHERE id=?`, newName, tagID)
	if err != nil {
		return apperr.Integrity(err, "rename tag %d to %s", tagID, newName)
	}
	return nil
}

func (r *tagRepo) ListAll(ctx context.Context) ([]core.Tag, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, name, category, extended_category FROM tags ORDER BY name`)
	if err != nil {
		return nil, apperr.Fatal(err, "list tags")
	}
	defer rows.Close()
	return scanTagRows(rows)
}

func (r *tagRepo) ListByCategory(ctx context.Context, category core.TagCategory) ([]core.Tag, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, name, category, extended_category FROM tags WHERE category=? ORDER BY name`, category)
	if err != nil {
		return nil, apperr.Fatal(err, "list tags by category")
	}
	defer rows.Close()
	return scanTagRows(rows)
}

func scanTagRows(rows *sql.Rows) ([]core.Tag, error) {
	var out []core.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, apperr.Fatal(err, "scan tag row")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *tagRepo) Delete(ctx context.Context, tagID int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM tags WHERE id=?`, tagID)
	if err != nil {
		return apperr.Fatal(err, "delete tag %d", tagID)
	}
	return nil
}

func (r *tagRepo) DeleteAll(ctx context.Context) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM tags`); err != nil {
		return apperr.Fatal(err, "delete all tags")
	}
	return nil
}

func (r *tagRepo) UsageCount(ctx context.Context, tagID int64) (int64, error) {
	var n int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_tags WHERE tag_id=?`, tagID).Scan(&n)
	if err != nil {
		return 0, apperr.Fatal(err, "count usage for tag %d", tagID)
	}
	return n, nil
}

func (r *tagRepo) ImageTags(ctx context.Context, imageID int64) ([]core.ImageTag, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT image_id, tag_id, origin FROM image_tags WHERE image_id=?`, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "list image tags for image %d", imageID)
	}
	defer rows.Close()

	var out []core.ImageTag
	for rows.Next() {
		var it core.ImageTag
		if err := rows.Scan(&it.ImageID, &it.TagID, &it.Origin); err != nil {
			return nil, apperr.Fatal(err, "scan image tag row")
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *tagRepo) ImagesForTag(ctx context.Context, tagID int64) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT image_id FROM image_tags WHERE tag_id=?`, tagID)
	if err != nil {
		return nil, apperr.Fatal(err, "list images for tag %d", tagID)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Fatal(err, "scan image id row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *tagRepo) SetImageTag(ctx context.Context, imageID, tagID int64, origin core.Origin) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO image_tags (image_id, tag_id, origin) VALUES (?, ?, ?)`,
		imageID, tagID, origin)
	if err != nil {
		return apperr.Fatal(err, "set image tag (%d, %d)", imageID, tagID)
	}
	return nil
}

func (r *tagRepo) RemoveImageTag(ctx context.Context, imageID, tagID int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id=? AND tag_id=?`, imageID, tagID)
	if err != nil {
		return apperr.Fatal(err, "remove image tag (%d, %d)", imageID, tagID)
	}
	return nil
}

func (r *tagRepo) ReplaceImageTags(ctx context.Context, imageID int64, tags []core.ImageTag) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id=?`, imageID); err != nil {
		return apperr.Fatal(err, "clear image tags for image %d", imageID)
	}
	for _, it := range tags {
		if _, err := r.q.ExecContext(ctx,
			`INSERT INTO image_tags (image_id, tag_id, origin) VALUES (?, ?, ?)`,
			imageID, it.TagID, it.Origin); err != nil {
			return apperr.Fatal(err, "insert image tag (%d, %d)", imageID, it.TagID)
		}
	}
	return nil
}

func (r *tagRepo) ClearOriginForAllImages(ctx context.Context, origin core.Origin) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM image_tags WHERE origin=?`, origin)
	if err != nil {
		return apperr.Fatal(err, "clear origin %s", origin)
	}
	return nil
}

func (r *tagRepo) TagIDNameMap(ctx context.Context) (map[int64]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, name FROM tags`)
	if err != nil {
		return nil, apperr.Fatal(err, "list tag id/name map")
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, apperr.Fatal(err, "scan tag id/name row")
		}
		out[id] = name
	}
	return out, rows.Err()
}

// --- deltaJournalRepo -----------------------------------------------------

type deltaJournalRepo struct{ q querier }

// Append cancels an outstanding opposite-direction entry for the same
// (image, tag) instead of appending, matching the journal's cancellation
// semantics: add then remove (or remove then add) nets to nothing.
func (r *deltaJournalRepo) Append(ctx context.Context, delta core.TagDelta) error {
	opposite := core.DeltaAdd
	if delta.Operation == core.DeltaAdd {
		opposite = core.DeltaRemove
	}
	res, err := r.q.ExecContext(ctx, `
		DELETE FROM tag_delta_journal WHERE id = (
			SELECT id FROM tag_delta_journal
			WHERE image_md5=? AND tag_name=? AND operation=?
			ORDER BY timestamp DESC LIMIT 1
		)`, delta.ImageMD5, delta.TagName, opposite)
	if err != nil {
		return apperr.Fatal(err, "cancel opposite delta")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Fatal(err, "check cancellation result")
	}
	if n > 0 {
		return nil
	}

	if delta.Timestamp.IsZero() {
		delta.Timestamp = time.Now().UTC()
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO tag_delta_journal (image_md5, tag_name, tag_category, operation, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		delta.ImageMD5, delta.TagName, delta.TagCategory, delta.Operation, delta.Timestamp)
	if err != nil {
		return apperr.Fatal(err, "append delta journal entry")
	}
	return nil
}

func scanDeltaRows(rows *sql.Rows) ([]core.TagDelta, error) {
	var out []core.TagDelta
	for rows.Next() {
		var d core.TagDelta
		if err := rows.Scan(&d.ID, &d.ImageMD5, &d.TagName, &d.TagCategory, &d.Operation, &d.Timestamp); err != nil {
			return nil, apperr.Fatal(err, "scan delta row")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *deltaJournalRepo) ForImage(ctx context.Context, md5 string) ([]core.TagDelta, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, image_md5, tag_name, tag_category, operation, timestamp
		FROM tag_delta_journal WHERE image_md5=? ORDER BY timestamp ASC`, md5)
	if err != nil {
		return nil, apperr.Fatal(err, "list deltas for image %s", md5)
	}
	defer rows.Close()
	return scanDeltaRows(rows)
}

func (r *deltaJournalRepo) AllOrderedByTimestamp(ctx context.Context) ([]core.TagDelta, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, image_md5, tag_name, tag_category, operation, timestamp
		FROM tag_delta_journal ORDER BY timestamp ASC`)
	if err != nil {
		return nil, apperr.Fatal(err, "list all deltas")
	}
	defer rows.Close()
	return scanDeltaRows(rows)
}

func (r *deltaJournalRepo) Clear(ctx context.Context, md5 string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM tag_delta_journal WHERE image_md5=?`, md5)
	if err != nil {
		return apperr.Fatal(err, "clear delta journal for image %s", md5)
	}
	return nil
}

// --- implicationRepo --------------------------------------------------

type implicationRepo struct{ q querier }

const implicationColumns = `i.id, i.source_tag_id, st.name, i.implied_tag_id, it.name, i.inference, i.confidence, i.status, i.created_at`

const implicationJoin = `
	FROM implications i
	JOIN tags st ON st.id = i.source_tag_id
	JOIN tags it ON it.id = i.implied_tag_id`

func scanImplicationRows(rows *sql.Rows) ([]core.Implication, error) {
	var out []core.Implication
	for rows.Next() {
		var im core.Implication
		if err := rows.Scan(&im.ID, &im.SourceTagID, &im.SourceTagName, &im.ImpliedTagID, &im.ImpliedTag,
			&im.Inference, &im.Confidence, &im.Status, &im.CreatedAt); err != nil {
			return nil, apperr.Fatal(err, "scan implication row")
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

func (r *implicationRepo) Create(ctx context.Context, impl core.Implication) (int64, error) {
	if impl.CreatedAt.IsZero() {
		impl.CreatedAt = time.Now().UTC()
	}
	if impl.Status == "" {
		impl.Status = core.ImplicationActive
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO implications (source_tag_id, implied_tag_id, inference, confidence, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		impl.SourceTagID, impl.ImpliedTagID, impl.Inference, impl.Confidence, impl.Status, impl.CreatedAt)
	if err != nil {
		return 0, apperr.Fatal(err, "create implication")
	}
	return res.LastInsertId()
}

func (r *implicationRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM implications WHERE id=?`, id)
	if err != nil {
		return apperr.Fatal(err, "delete implication %d", id)
	}
	return nil
}

func (r *implicationRepo) ListActive(ctx context.Context) ([]core.Implication, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+implicationColumns+implicationJoin+` WHERE i.status=?`, core.ImplicationActive)
	if err != nil {
		return nil, apperr.Fatal(err, "list active implications")
	}
	defer rows.Close()
	return scanImplicationRows(rows)
}

func (r *implicationRepo) ForSourceTag(ctx context.Context, tagID int64) ([]core.Implication, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+implicationColumns+implicationJoin+` WHERE i.source_tag_id=? AND i.status=?`,
		tagID, core.ImplicationActive)
	if err != nil {
		return nil, apperr.Fatal(err, "list implications for tag %d", tagID)
	}
	defer rows.Close()
	return scanImplicationRows(rows)
}

// --- poolRepo -----------------------------------------------------------

type poolRepo struct{ q querier }

func (r *poolRepo) Create(ctx context.Context, name, description string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `INSERT INTO pools (name, description) VALUES (?, ?)`, name, description)
	if err != nil {
		return 0, apperr.Fatal(err, "create pool %s", name)
	}
	return res.LastInsertId()
}

func (r *poolRepo) Get(ctx context.Context, id int64) (*core.Pool, error) {
	var p core.Pool
	err := r.q.QueryRowContext(ctx, `SELECT id, name, description FROM pools WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Description)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("pool %d not found", id)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get pool %d", id)
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT image_id FROM pool_images WHERE pool_id=? ORDER BY position ASC`, id)
	if err != nil {
		return nil, apperr.Fatal(err, "list pool images for pool %d", id)
	}
	defer rows.Close()
	for rows.Next() {
		var imgID int64
		if err := rows.Scan(&imgID); err != nil {
			return nil, apperr.Fatal(err, "scan pool image row")
		}
		p.ImageIDs = append(p.ImageIDs, imgID)
	}
	return &p, rows.Err()
}

func (r *poolRepo) AddImage(ctx context.Context, poolID, imageID int64) error {
	var maxPos int
	_ = r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM pool_images WHERE pool_id=?`, poolID).Scan(&maxPos)
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO pool_images (pool_id, image_id, position) VALUES (?, ?, ?)`,
		poolID, imageID, maxPos+1)
	if err != nil {
		return apperr.Fatal(err, "add image %d to pool %d", imageID, poolID)
	}
	return nil
}

func (r *poolRepo) RemoveImage(ctx context.Context, poolID, imageID int64) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM pool_images WHERE pool_id=? AND image_id=?`, poolID, imageID)
	if err != nil {
		return apperr.Fatal(err, "remove image %d from pool %d", imageID, poolID)
	}
	return nil
}

func (r *poolRepo) Reorder(ctx context.Context, poolID int64, orderedImageIDs []int64) error {
	for i, imgID := range orderedImageIDs {
		if _, err := r.q.ExecContext(ctx,
			`UPDATE pool_images SET position=? WHERE pool_id=? AND image_id=?`, i+1, poolID, imgID); err != nil {
			return apperr.Fatal(err, "reorder pool %d", poolID)
		}
	}
	return nil
}

func (r *poolRepo) GetByName(ctx context.Context, name string) (*core.Pool, error) {
	var id int64
	err := r.q.QueryRowContext(ctx, `SELECT id FROM pools WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("pool %q not found", name)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get pool by name %q", name)
	}
	return r.Get(ctx, id)
}

func (r *poolRepo) PoolsForImage(ctx context.Context, imageID int64) ([]core.Pool, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT p.id, p.name, p.description FROM pools p
		JOIN pool_images pi ON pi.pool_id = p.id
		WHERE pi.image_id=?`, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "list pools for image %d", imageID)
	}
	defer rows.Close()

	var out []core.Pool
	for rows.Next() {
		var p core.Pool
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, apperr.Fatal(err, "scan pool row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- relationRepo -------------------------------------------------------

type relationRepo struct{ q querier }

func (r *relationRepo) Create(ctx context.Context, rel core.ImageRelation) error {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO image_relations (image_a, image_b, type, source, created_at)
		VALUES (?, ?, ?, ?, ?)`, rel.ImageA, rel.ImageB, rel.Type, rel.Source, rel.CreatedAt)
	if err != nil {
		return apperr.Fatal(err, "create image relation (%d, %d)", rel.ImageA, rel.ImageB)
	}
	return nil
}

func (r *relationRepo) Exists(ctx context.Context, a, b int64, relType core.RelationType) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM image_relations
		WHERE type=? AND ((image_a=? AND image_b=?) OR (image_a=? AND image_b=?))`,
		relType, a, b, b, a).Scan(&n)
	if err != nil {
		return false, apperr.Fatal(err, "check relation existence")
	}
	return n > 0, nil
}

func (r *relationRepo) AnyRelationExists(ctx context.Context, a, b int64) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM image_relations
		WHERE (image_a=? AND image_b=?) OR (image_a=? AND image_b=?)`, a, b, b, a).Scan(&n)
	if err != nil {
		return false, apperr.Fatal(err, "check any relation existence")
	}
	return n > 0, nil
}

func (r *relationRepo) ForImage(ctx context.Context, imageID int64) ([]core.ImageRelation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, image_a, image_b, type, source, created_at FROM image_relations
		WHERE image_a=? OR image_b=?`, imageID, imageID)
	if err != nil {
		return nil, apperr.Fatal(err, "list relations for image %d", imageID)
	}
	defer rows.Close()

	var out []core.ImageRelation
	for rows.Next() {
		var rel core.ImageRelation
		if err := rows.Scan(&rel.ID, &rel.ImageA, &rel.ImageB, &rel.Type, &rel.Source, &rel.CreatedAt); err != nil {
			return nil, apperr.Fatal(err, "scan relation row")
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *relationRepo) IsDescendant(ctx context.Context, parent, candidate int64) (bool, error) {
	frontier := []int64{parent}
	visited := map[int64]bool{parent: true}
	for len(frontier) > 0 {
		ph, args := int64Placeholders(frontier)
		rows, err := r.q.QueryContext(ctx, `
			SELECT image_b FROM image_relations WHERE type='parent_child' AND image_a IN (`+ph+`)`, args...)
		if err != nil {
			return false, apperr.Fatal(err, "walk descendants")
		}
		var next []int64
		for rows.Next() {
			var child int64
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return false, apperr.Fatal(err, "scan descendant row")
			}
			if child == candidate {
				rows.Close()
				return true, nil
			}
			if !visited[child] {
				visited[child] = true
				next = append(next, child)
			}
		}
		rows.Close()
		frontier = next
	}
	return false, nil
}

// --- dupPairRepo ----------------------------------------------------------

type dupPairRepo struct{ q querier }

func (r *dupPairRepo) ReplaceAll(ctx context.Context, pairs []core.DuplicatePair) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM duplicate_pairs`); err != nil {
		return apperr.Fatal(err, "clear duplicate pairs")
	}
	now := time.Now().UTC()
	for _, p := range pairs {
		if p.ComputedAt.IsZero() {
			p.ComputedAt = now
		}
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO duplicate_pairs (image_a, image_b, distance, threshold_at, computed_at)
			VALUES (?, ?, ?, ?, ?)`, p.ImageA, p.ImageB, p.Distance, p.ThresholdAt, p.ComputedAt); err != nil {
			return apperr.Fatal(err, "insert duplicate pair (%d, %d)", p.ImageA, p.ImageB)
		}
	}
	return nil
}

func (r *dupPairRepo) Remove(ctx context.Context, a, b int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM duplicate_pairs WHERE image_a=? AND image_b=?`, a, b)
	if err != nil {
		return apperr.Fatal(err, "remove duplicate pair (%d, %d)", a, b)
	}
	return nil
}

func (r *dupPairRepo) Page(ctx context.Context, maxDistance, offset, limit int) ([]core.DuplicatePair, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT image_a, image_b, distance, threshold_at, computed_at FROM duplicate_pairs
		WHERE distance <= ? ORDER BY distance ASC LIMIT ? OFFSET ?`, maxDistance, limit, offset)
	if err != nil {
		return nil, apperr.Fatal(err, "page duplicate pairs")
	}
	defer rows.Close()
	return scanDupPairRows(rows)
}

func (r *dupPairRepo) All(ctx context.Context, maxDistance int) ([]core.DuplicatePair, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT image_a, image_b, distance, threshold_at, computed_at FROM duplicate_pairs
		WHERE distance <= ? ORDER BY distance ASC`, maxDistance)
	if err != nil {
		return nil, apperr.Fatal(err, "list duplicate pairs")
	}
	defer rows.Close()
	return scanDupPairRows(rows)
}

func scanDupPairRows(rows *sql.Rows) ([]core.DuplicatePair, error) {
	var out []core.DuplicatePair
	for rows.Next() {
		var p core.DuplicatePair
		if err := rows.Scan(&p.ImageA, &p.ImageB, &p.Distance, &p.ThresholdAt, &p.ComputedAt); err != nil {
			return nil, apperr.Fatal(err, "scan duplicate pair row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *dupPairRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM duplicate_pairs`).Scan(&n)
	if err != nil {
		return 0, apperr.Fatal(err, "count duplicate pairs")
	}
	return n, nil
}

// --- dupSuggestRepo -------------------------------------------------------

type dupSuggestRepo struct{ q querier }

func (r *dupSuggestRepo) Upsert(ctx context.Context, s core.DuplicatePairSuggestion) error {
	if s.ComputedAt.IsZero() {
		s.ComputedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO duplicate_pair_suggestions (
			image_a, image_b, mean_abs_diff, changed_pixel_ratio, largest_blob_ratio, blob_count,
			peak_blob_contrast, mask_mismatch, pixel_area_ratio, filesize_ratio, tag_gap_ratio,
			composite_visual, metadata_adjustment, final_signal, computed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (image_a, image_b) DO UPDATE SET
			mean_abs_diff=excluded.mean_abs_diff, changed_pixel_ratio=excluded.changed_pixel_ratio,
			largest_blob_ratio=excluded.largest_blob_ratio, blob_count=excluded.blob_count,
			peak_blob_contrast=excluded.peak_blob_contrast, mask_mismatch=excluded.mask_mismatch,
			pixel_area_ratio=excluded.pixel_area_ratio, filesize_ratio=excluded.filesize_ratio,
			tag_gap_ratio=excluded.tag_gap_ratio, composite_visual=excluded.composite_visual,
			metadata_adjustment=excluded.metadata_adjustment, final_signal=excluded.final_signal,
			computed_at=excluded.computed_at`,
		s.ImageA, s.ImageB, s.MeanAbsDiff, s.ChangedPixelRatio, s.LargestBlobRatio, s.BlobCount,
		s.PeakBlobContrast, s.MaskMismatch, s.PixelAreaRatio, s.FilesizeRatio, s.TagGapRatio,
		s.CompositeVisual, s.MetadataAdjustment, s.FinalSignal, s.ComputedAt)
	if err != nil {
		return apperr.Fatal(err, "upsert duplicate suggestion (%d, %d)", s.ImageA, s.ImageB)
	}
	return nil
}

func (r *dupSuggestRepo) Get(ctx context.Context, a, b int64) (*core.DuplicatePairSuggestion, error) {
	var s core.DuplicatePairSuggestion
	err := r.q.QueryRowContext(ctx, `
		SELECT image_a, image_b, mean_abs_diff, changed_pixel_ratio, largest_blob_ratio, blob_count,
			peak_blob_contrast, mask_mismatch, pixel_area_ratio, filesize_ratio, tag_gap_ratio,
			composite_visual, metadata_adjustment, final_signal, computed_at
		FROM duplicate_pair_suggestions WHERE image_a=? AND image_b=?`, a, b).Scan(
		&s.ImageA, &s.ImageB, &s.MeanAbsDiff, &s.ChangedPixelRatio, &s.LargestBlobRatio, &s.BlobCount,
		&s.PeakBlobContrast, &s.MaskMismatch, &s.PixelAreaRatio, &s.FilesizeRatio, &s.TagGapRatio,
		&s.CompositeVisual, &s.MetadataAdjustment, &s.FinalSignal, &s.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no cached suggestion for pair (%d, %d)", a, b)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "get duplicate suggestion")
	}
	return &s, nil
}

func (r *dupSuggestRepo) Remove(ctx context.Context, a, b int64) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM duplicate_pair_suggestions WHERE image_a=? AND image_b=?`, a, b)
	if err != nil {
		return apperr.Fatal(err, "remove duplicate suggestion (%d, %d)", a, b)
	}
	return nil
}

// --- simCacheRepo -------------------------------------------------------

type simCacheRepo struct{ q querier }

func (r *simCacheRepo) ReplaceForType(ctx context.Context, simType core.SimilarityType, entries []core.SimilarImageCacheEntry) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM similar_images_cache WHERE type=?`, simType); err != nil {
		return apperr.Fatal(err, "clear similar images cache for type %s", simType)
	}
	for _, e := range entries {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO similar_images_cache (source_id, similar_id, score, type, rank)
			VALUES (?, ?, ?, ?, ?)`, e.SourceID, e.SimilarID, e.Score, simType, e.Rank); err != nil {
			return apperr.Fatal(err, "insert similar image cache entry")
		}
	}
	return nil
}

func (r *simCacheRepo) ForImage(ctx context.Context, imageID int64, simType core.SimilarityType, limit int) ([]core.SimilarImageCacheEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT source_id, similar_id, score, type, rank FROM similar_images_cache
		WHERE source_id=? AND type=? ORDER BY rank ASC LIMIT ?`, imageID, simType, limit)
	if err != nil {
		return nil, apperr.Fatal(err, "list similar images for %d", imageID)
	}
	defer rows.Close()

	var out []core.SimilarImageCacheEntry
	for rows.Next() {
		var e core.SimilarImageCacheEntry
		if err := rows.Scan(&e.SourceID, &e.SimilarID, &e.Score, &e.Type, &e.Rank); err != nil {
			return nil, apperr.Fatal(err, "scan similar image row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *simCacheRepo) InvalidateImage(ctx context.Context, imageID int64) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM similar_images_cache WHERE source_id=? OR similar_id=?`, imageID, imageID)
	if err != nil {
		return apperr.Fatal(err, "invalidate similar images cache for %d", imageID)
	}
	return nil
}

// --- configRepo -----------------------------------------------------------

type configRepo struct{ q querier }

func (r *configRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM config_store WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Fatal(err, "get config key %s", key)
	}
	return v, true, nil
}

func (r *configRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO config_store (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return apperr.Fatal(err, "set config key %s", key)
	}
	return nil
}
