package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id VARCHAR(64) PRIMARY KEY,
    email VARCHAR(255) NOT NULL,
    first_name VARCHAR(255),
    last_name VARCHAR(255),
    credits INT NOT NULL DEFAULT 0,
    total_purchased INT NOT NULL DEFAULT 0,
    total_consumed INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    amount INT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    description VARCHAR(255),
    reference VARCHAR(128),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_txn_account (account_id, created_at),
    KEY idx_txn_reference (reference),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS generations (
    id VARCHAR(64) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    prompt TEXT NOT NULL,
    content_type VARCHAR(8) NOT NULL,
    quality VARCHAR(16) NOT NULL,
    size VARCHAR(16),
    category VARCHAR(64),
    style VARCHAR(64),
    cost INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    result_url TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_gen_account (account_id, created_at),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS credit_packages (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    credits INT NOT NULL,
    price_cents INT NOT NULL,
    discount_percent INT NOT NULL DEFAULT 0,
    stripe_price_id VARCHAR(128),
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS payment_sessions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    package_id BIGINT NOT NULL,
    stripe_session_id VARCHAR(128) NOT NULL UNIQUE,
    credits INT NOT NULL,
    amount_cents INT NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    is_test TINYINT(1) NOT NULL DEFAULT 0,
    completed_at TIMESTAMP NULL DEFAULT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id),
    FOREIGN KEY (package_id) REFERENCES credit_packages(id)
);
`
