package warehouse

import (
	"fmt"

	"github.com/streamhaus/songdwh/pkg/config"
)

// ddl abstracts the few DDL differences between engines.
type ddl struct {
	// identityPK renders the staging identity column clause.
	identityPK func(col string) string
	// truncate renders the statement emptying a table.
	truncate func(table string) string
}

var redshiftDDL = ddl{
	identityPK: func(col string) string { return col + " BIGINT IDENTITY(1,1) PRIMARY KEY" },
	truncate:   func(table string) string { return "TRUNCATE TABLE " + table },
}

var sqliteDDL = ddl{
	identityPK: func(col string) string { return col + " INTEGER PRIMARY KEY AUTOINCREMENT" },
	truncate:   func(table string) string { return "DELETE FROM " + table },
}

// Staging identity columns give dimension reads a deterministic order.
const (
	eventIdentityColumn = "song_log_id"
	songIdentityColumn  = "song_data_id"
)

func createStatements(t config.Tables, d ddl) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    %s
    ,artist_name VARCHAR(1000)
    ,auth VARCHAR
    ,first_name VARCHAR
    ,gender VARCHAR(1)
    ,item_in_session INT
    ,last_name VARCHAR
    ,length DOUBLE PRECISION
    ,level VARCHAR
    ,location VARCHAR
    ,method VARCHAR
    ,page VARCHAR
    ,registration BIGINT
    ,session_id BIGINT
    ,song_title VARCHAR
    ,status INT
    ,ts BIGINT
    ,user_agent VARCHAR
    ,user_id BIGINT
)`, t.StagingEvents, d.identityPK(eventIdentityColumn)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    %s
    ,num_songs INT
    ,artist_id VARCHAR
    ,artist_latitude DOUBLE PRECISION
    ,artist_longitude DOUBLE PRECISION
    ,artist_location VARCHAR(1000)
    ,artist_name VARCHAR(1000)
    ,song_id VARCHAR
    ,title VARCHAR
    ,duration DOUBLE PRECISION
    ,year INT
)`, t.StagingSongs, d.identityPK(songIdentityColumn)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    date_key INT PRIMARY KEY
    ,date_value DATE
    ,day INT
    ,week INT
    ,month INT
    ,year INT
    ,weekday_name VARCHAR
    ,is_weekday VARCHAR(8)
    ,UNIQUE (date_value)
)`, t.DateDim),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    time_key INT PRIMARY KEY
    ,hour INT
    ,minute INT
    ,second INT
    ,am_pm VARCHAR(2)
)`, t.TimeDim),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    user_key BIGINT PRIMARY KEY
    ,user_id BIGINT
    ,first_name VARCHAR
    ,last_name VARCHAR
    ,gender VARCHAR(1)
    ,level VARCHAR
    ,UNIQUE (user_id)
)`, t.UserDim),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    artist_key BIGINT PRIMARY KEY
    ,artist_id VARCHAR
    ,artist_name VARCHAR(1000)
    ,artist_location VARCHAR(1000)
    ,artist_latitude DOUBLE PRECISION
    ,artist_longitude DOUBLE PRECISION
    ,UNIQUE (artist_id)
)`, t.ArtistDim),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    song_key BIGINT PRIMARY KEY
    ,song_id VARCHAR
    ,artist_key BIGINT
    ,artist_id VARCHAR
    ,title VARCHAR
    ,year INT
    ,duration DOUBLE PRECISION
    ,UNIQUE (song_id)
)`, t.SongDim),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    songplay_id BIGINT PRIMARY KEY
    ,date_key INT
    ,time_key INT
    ,user_key BIGINT
    ,song_key BIGINT
    ,artist_key BIGINT
    ,start_ts BIGINT
    ,session_id BIGINT
    ,location VARCHAR
    ,user_agent VARCHAR
    ,UNIQUE (user_key, start_ts, session_id)
)`, t.Songplays),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    object_key VARCHAR(1024) PRIMARY KEY
    ,loaded_at TIMESTAMP
    ,row_count BIGINT
)`, t.LoadState),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    lock_id INT PRIMARY KEY
    ,run_id VARCHAR(64)
    ,acquired_at TIMESTAMP
)`, t.RunLock),
	}
}

func dropStatements(t config.Tables) []string {
	tables := []string{
		t.Songplays, t.SongDim, t.ArtistDim, t.UserDim,
		t.DateDim, t.TimeDim,
		t.StagingEvents, t.StagingSongs,
		t.LoadState, t.RunLock,
	}
	stmts := make([]string, 0, len(tables))
	for _, table := range tables {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+table)
	}
	return stmts
}
